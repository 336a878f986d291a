package pgmock

import (
	"github.com/jackc/pgio"

	"github.com/finchdb/pgfinch/wire"
)

// frame wraps a backend message body with its tag and length header.
func frame(typ byte, body []byte) []byte {
	buf := []byte{typ}
	buf = pgio.AppendInt32(buf, int32(len(body)+4))
	return append(buf, body...)
}

func AuthenticationOk() []byte {
	return frame(wire.AuthenticationTag, pgio.AppendInt32(nil, wire.AuthTypeOk))
}

func AuthenticationCleartextPassword() []byte {
	return frame(wire.AuthenticationTag, pgio.AppendInt32(nil, wire.AuthTypeCleartextPassword))
}

func AuthenticationMD5Password(salt [4]byte) []byte {
	body := pgio.AppendInt32(nil, wire.AuthTypeMD5Password)
	body = append(body, salt[:]...)
	return frame(wire.AuthenticationTag, body)
}

func AuthenticationSASL(mechanisms ...string) []byte {
	body := pgio.AppendInt32(nil, wire.AuthTypeSASL)
	for _, m := range mechanisms {
		body = append(body, m...)
		body = append(body, 0)
	}
	body = append(body, 0)
	return frame(wire.AuthenticationTag, body)
}

func AuthenticationSASLContinue(data []byte) []byte {
	body := pgio.AppendInt32(nil, wire.AuthTypeSASLContinue)
	body = append(body, data...)
	return frame(wire.AuthenticationTag, body)
}

func AuthenticationSASLFinal(data []byte) []byte {
	body := pgio.AppendInt32(nil, wire.AuthTypeSASLFinal)
	body = append(body, data...)
	return frame(wire.AuthenticationTag, body)
}

func BackendKeyData(pid, secretKey uint32) []byte {
	body := pgio.AppendUint32(nil, pid)
	body = pgio.AppendUint32(body, secretKey)
	return frame(wire.BackendKeyDataTag, body)
}

func ParameterStatus(name, value string) []byte {
	body := append([]byte(name), 0)
	body = append(body, value...)
	body = append(body, 0)
	return frame(wire.ParameterStatusTag, body)
}

func ReadyForQuery(txStatus byte) []byte {
	return frame(wire.ReadyForQueryTag, []byte{txStatus})
}

func ParseComplete() []byte {
	return frame(wire.ParseCompleteTag, nil)
}

func BindComplete() []byte {
	return frame(wire.BindCompleteTag, nil)
}

func NoData() []byte {
	return frame(wire.NoDataTag, nil)
}

func EmptyQueryResponse() []byte {
	return frame(wire.EmptyQueryResponseTag, nil)
}

func CommandComplete(tag string) []byte {
	return frame(wire.CommandCompleteTag, append([]byte(tag), 0))
}

// Field describes one column for RowDescription.
type Field struct {
	Name        string
	DataTypeOID uint32
	Format      int16
}

func RowDescription(fields ...Field) []byte {
	body := pgio.AppendInt16(nil, int16(len(fields)))
	for _, f := range fields {
		body = append(body, f.Name...)
		body = append(body, 0)
		body = pgio.AppendInt32(body, 0)  // table OID
		body = pgio.AppendInt16(body, 0)  // attribute number
		body = pgio.AppendUint32(body, f.DataTypeOID)
		body = pgio.AppendInt16(body, -1) // type size
		body = pgio.AppendInt32(body, -1) // type modifier
		body = pgio.AppendInt16(body, f.Format)
	}
	return frame(wire.RowDescriptionTag, body)
}

// DataRow encodes one row of raw column values; a nil value encodes the
// SQL NULL.
func DataRow(values ...[]byte) []byte {
	body := pgio.AppendInt16(nil, int16(len(values)))
	for _, v := range values {
		if v == nil {
			body = pgio.AppendInt32(body, -1)
			continue
		}
		body = pgio.AppendInt32(body, int32(len(v)))
		body = append(body, v...)
	}
	return frame(wire.DataRowTag, body)
}

// TextRow encodes one row of text format column values.
func TextRow(values ...string) []byte {
	raw := make([][]byte, len(values))
	for i, v := range values {
		raw[i] = []byte(v)
	}
	return DataRow(raw...)
}

func errorFields(severity, code, message string) []byte {
	var body []byte
	body = append(body, 'S')
	body = append(body, severity...)
	body = append(body, 0)
	body = append(body, 'C')
	body = append(body, code...)
	body = append(body, 0)
	body = append(body, 'M')
	body = append(body, message...)
	body = append(body, 0, 0)
	return body
}

func ErrorResponse(severity, code, message string) []byte {
	return frame(wire.ErrorResponseTag, errorFields(severity, code, message))
}

func NoticeResponse(severity, code, message string) []byte {
	return frame(wire.NoticeResponseTag, errorFields(severity, code, message))
}

package wire

import (
	"github.com/jackc/pgio"
)

// AppendStartup appends a startup packet to buf and returns it. Pairs are
// emitted in the order given, terminated by an empty C-string. The packet
// is untagged: 4-byte total length, 4-byte protocol version, then the
// parameters.
func AppendStartup(buf []byte, params []StartupParam) []byte {
	sp := len(buf)
	buf = pgio.AppendInt32(buf, -1)

	buf = pgio.AppendUint32(buf, ProtocolVersionNumber)
	for _, p := range params {
		buf = append(buf, p.Key...)
		buf = append(buf, 0)
		buf = append(buf, p.Value...)
		buf = append(buf, 0)
	}
	buf = append(buf, 0)

	pgio.SetInt32(buf[sp:], int32(len(buf[sp:])))
	return buf
}

// StartupParam is a single startup packet key/value pair.
type StartupParam struct {
	Key   string
	Value string
}

// ParseStartup decodes an encoded startup packet body (everything after
// the length field) back into its parameter pairs. Used by the test
// server; the client never receives one.
func ParseStartup(body []byte) (version uint32, params []StartupParam, err error) {
	m := NewMessage(0, body)
	version, err = m.ReadUint32()
	if err != nil {
		return 0, nil, err
	}
	for {
		key, err := m.ReadCString()
		if err != nil {
			return 0, nil, err
		}
		if key == "" {
			return version, params, nil
		}
		value, err := m.ReadCString()
		if err != nil {
			return 0, nil, err
		}
		params = append(params, StartupParam{Key: key, Value: value})
	}
}

// AppendSSLRequest appends the 8-byte SSLRequest packet.
func AppendSSLRequest(buf []byte) []byte {
	buf = pgio.AppendInt32(buf, 8)
	buf = pgio.AppendUint32(buf, sslRequestNumber)
	return buf
}

// AppendQuery appends a simple protocol Query message.
func AppendQuery(buf []byte, sql string) []byte {
	buf = append(buf, QueryTag)
	buf = pgio.AppendInt32(buf, int32(len(sql)+5))
	buf = append(buf, sql...)
	buf = append(buf, 0)
	return buf
}

// AppendParse appends a Parse message for the unnamed prepared statement
// with no declared parameter types.
func AppendParse(buf []byte, sql string) []byte {
	buf = append(buf, ParseTag)
	sp := len(buf)
	buf = pgio.AppendInt32(buf, -1)

	buf = append(buf, 0) // unnamed statement
	buf = append(buf, sql...)
	buf = append(buf, 0)
	buf = pgio.AppendInt16(buf, 0) // no parameter type OIDs

	pgio.SetInt32(buf[sp:], int32(len(buf[sp:])))
	return buf
}

// AppendBind appends a Bind message binding args to the unnamed portal of
// the unnamed statement. formats holds one format code per argument; a
// nil arg slice entry is sent as the -1 null length. All results are
// requested in the text format.
func AppendBind(buf []byte, formats []int16, args [][]byte) []byte {
	buf = append(buf, BindTag)
	sp := len(buf)
	buf = pgio.AppendInt32(buf, -1)

	buf = append(buf, 0) // unnamed portal
	buf = append(buf, 0) // unnamed statement

	buf = pgio.AppendInt16(buf, int16(len(formats)))
	for _, f := range formats {
		buf = pgio.AppendInt16(buf, f)
	}

	buf = pgio.AppendInt16(buf, int16(len(args)))
	for _, arg := range args {
		if arg == nil {
			buf = pgio.AppendInt32(buf, -1)
			continue
		}
		buf = pgio.AppendInt32(buf, int32(len(arg)))
		buf = append(buf, arg...)
	}

	buf = pgio.AppendInt16(buf, 0) // result format codes: all default

	pgio.SetInt32(buf[sp:], int32(len(buf[sp:])))
	return buf
}

// AppendDescribePortal appends a Describe message for the unnamed portal.
func AppendDescribePortal(buf []byte) []byte {
	buf = append(buf, DescribeTag)
	buf = pgio.AppendInt32(buf, 6)
	buf = append(buf, 'P', 0)
	return buf
}

// AppendExecute appends an Execute message for the unnamed portal with no
// row limit.
func AppendExecute(buf []byte) []byte {
	buf = append(buf, ExecuteTag)
	buf = pgio.AppendInt32(buf, 9)
	buf = append(buf, 0)           // unnamed portal
	buf = pgio.AppendInt32(buf, 0) // unlimited rows
	return buf
}

// AppendSync appends a Sync message.
func AppendSync(buf []byte) []byte {
	buf = append(buf, SyncTag)
	return pgio.AppendInt32(buf, 4)
}

// AppendPassword appends a PasswordMessage carrying password as a
// C-string. The same frame carries MD5 digests.
func AppendPassword(buf []byte, password string) []byte {
	buf = append(buf, PasswordMessageTag)
	buf = pgio.AppendInt32(buf, int32(len(password)+5))
	buf = append(buf, password...)
	buf = append(buf, 0)
	return buf
}

// AppendSASLInitialResponse appends a SASLInitialResponse selecting
// mechanism and carrying the client-first message.
func AppendSASLInitialResponse(buf []byte, mechanism string, data []byte) []byte {
	buf = append(buf, PasswordMessageTag)
	sp := len(buf)
	buf = pgio.AppendInt32(buf, -1)

	buf = append(buf, mechanism...)
	buf = append(buf, 0)
	buf = pgio.AppendInt32(buf, int32(len(data)))
	buf = append(buf, data...)

	pgio.SetInt32(buf[sp:], int32(len(buf[sp:])))
	return buf
}

// AppendSASLResponse appends a SASLResponse continuation message.
func AppendSASLResponse(buf []byte, data []byte) []byte {
	buf = append(buf, PasswordMessageTag)
	buf = pgio.AppendInt32(buf, int32(len(data)+4))
	buf = append(buf, data...)
	return buf
}

// AppendTerminate appends the 5-byte Terminate message.
func AppendTerminate(buf []byte) []byte {
	buf = append(buf, TerminateTag)
	return pgio.AppendInt32(buf, 4)
}

package pgfinch

import (
	"fmt"
	"strconv"
	"time"
)

// The value codec layer is an external collaborator: callers plug in an
// EncodeArgFunc and DecodeValueFunc via Config to get full PostgreSQL
// type support. The defaults below cover only the primitives needed to
// run queries without a codec package.

// defaultDecodeValue returns text values as string and binary values as a
// copied []byte. nil src (the SQL NULL) decodes to nil.
func defaultDecodeValue(oid uint32, format int16, src []byte) (interface{}, error) {
	if src == nil {
		return nil, nil
	}
	if format == 1 {
		out := make([]byte, len(src))
		copy(out, src)
		return out, nil
	}
	return string(src), nil
}

// defaultEncodeArg serializes primitives into the text wire format.
func defaultEncodeArg(arg interface{}) ([]byte, error) {
	switch arg := arg.(type) {
	case string:
		return []byte(arg), nil
	case bool:
		if arg {
			return []byte("t"), nil
		}
		return []byte("f"), nil
	case int:
		return strconv.AppendInt(nil, int64(arg), 10), nil
	case int8:
		return strconv.AppendInt(nil, int64(arg), 10), nil
	case int16:
		return strconv.AppendInt(nil, int64(arg), 10), nil
	case int32:
		return strconv.AppendInt(nil, int64(arg), 10), nil
	case int64:
		return strconv.AppendInt(nil, arg, 10), nil
	case uint16:
		return strconv.AppendUint(nil, uint64(arg), 10), nil
	case uint32:
		return strconv.AppendUint(nil, uint64(arg), 10), nil
	case uint64:
		return strconv.AppendUint(nil, arg, 10), nil
	case float32:
		return strconv.AppendFloat(nil, float64(arg), 'f', -1, 32), nil
	case float64:
		return strconv.AppendFloat(nil, arg, 'f', -1, 64), nil
	case time.Time:
		return []byte(arg.Format("2006-01-02 15:04:05.999999999Z07:00")), nil
	case fmt.Stringer:
		return []byte(arg.String()), nil
	default:
		return nil, fmt.Errorf("cannot encode %T as a query argument", arg)
	}
}

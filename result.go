package pgfinch

import (
	"strconv"
	"strings"

	"github.com/finchdb/pgfinch/wire"
)

// FieldDescription describes one column of a query result.
type FieldDescription struct {
	Name                 string
	TableOID             uint32
	TableAttributeNumber int16
	DataTypeOID          uint32
	DataTypeSize         int16
	TypeModifier         int32
	Format               int16
}

// CommandTag is the command completion tag of a query, e.g. "INSERT 0 1".
type CommandTag string

// RowsAffected returns the number of rows affected. If the CommandTag was
// not for a row affecting command (e.g. "CREATE TABLE") then it returns
// 0.
func (ct CommandTag) RowsAffected() int64 {
	s := string(ct)
	index := strings.LastIndex(s, " ")
	if index == -1 {
		return 0
	}
	n, _ := strconv.ParseInt(s[index+1:], 10, 64)
	return n
}

// Command returns the SQL command of the tag, e.g. "INSERT".
func (ct CommandTag) Command() string {
	s := string(ct)
	if index := strings.IndexByte(s, ' '); index != -1 {
		return s[:index]
	}
	return s
}

// Result is the fully drained outcome of one query: column descriptions,
// accumulated decoded rows, the completion tag and any non-fatal server
// notices raised while the query ran.
type Result struct {
	Fields     []FieldDescription
	Rows       [][]interface{}
	CommandTag CommandTag
	Warnings   []*Notice
}

// RowMaps returns the rows keyed by column name, the named-field view of
// the result. Columns with duplicate names keep the last value.
func (r *Result) RowMaps() []map[string]interface{} {
	maps := make([]map[string]interface{}, len(r.Rows))
	for i, row := range r.Rows {
		m := make(map[string]interface{}, len(r.Fields))
		for j, fd := range r.Fields {
			if j < len(row) {
				m[fd.Name] = row[j]
			}
		}
		maps[i] = m
	}
	return maps
}

// parseRowDescription decodes a RowDescription message body.
func parseRowDescription(msg *wire.Message) ([]FieldDescription, error) {
	count, err := msg.ReadInt16()
	if err != nil {
		return nil, err
	}

	fields := make([]FieldDescription, count)
	for i := range fields {
		var fd FieldDescription
		if fd.Name, err = msg.ReadCString(); err != nil {
			return nil, err
		}
		if fd.TableOID, err = msg.ReadUint32(); err != nil {
			return nil, err
		}
		if fd.TableAttributeNumber, err = msg.ReadInt16(); err != nil {
			return nil, err
		}
		if fd.DataTypeOID, err = msg.ReadUint32(); err != nil {
			return nil, err
		}
		if fd.DataTypeSize, err = msg.ReadInt16(); err != nil {
			return nil, err
		}
		if fd.TypeModifier, err = msg.ReadInt32(); err != nil {
			return nil, err
		}
		if fd.Format, err = msg.ReadInt16(); err != nil {
			return nil, err
		}
		fields[i] = fd
	}
	return fields, nil
}

// parseDataRow decodes a DataRow message body into raw column values. A
// -1 length is the SQL NULL and yields a nil slice entry.
func parseDataRow(msg *wire.Message) ([][]byte, error) {
	count, err := msg.ReadInt16()
	if err != nil {
		return nil, err
	}

	values := make([][]byte, count)
	for i := range values {
		valueLen, err := msg.ReadInt32()
		if err != nil {
			return nil, err
		}
		if valueLen == -1 {
			continue
		}
		values[i], err = msg.ReadBytes(int(valueLen))
		if err != nil {
			return nil, err
		}
	}
	return values, nil
}

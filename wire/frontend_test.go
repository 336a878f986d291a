package wire_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchdb/pgfinch/wire"
)

func TestAppendStartup(t *testing.T) {
	buf := wire.AppendStartup(nil, []wire.StartupParam{
		{Key: "user", Value: "alice"},
		{Key: "database", Value: "db"},
		{Key: "client_encoding", Value: "utf-8"},
	})

	declaredLen := int32(binary.BigEndian.Uint32(buf))
	require.EqualValues(t, len(buf), declaredLen)

	version, params, err := wire.ParseStartup(buf[4:])
	require.NoError(t, err)
	assert.EqualValues(t, wire.ProtocolVersionNumber, version)
	assert.Equal(t, []wire.StartupParam{
		{Key: "user", Value: "alice"},
		{Key: "database", Value: "db"},
		{Key: "client_encoding", Value: "utf-8"},
	}, params)

	// terminated by an empty C-string
	assert.EqualValues(t, 0, buf[len(buf)-1])
}

func TestAppendSSLRequest(t *testing.T) {
	buf := wire.AppendSSLRequest(nil)
	assert.Equal(t, []byte{0, 0, 0, 8, 0x04, 0xd2, 0x16, 0x2f}, buf)
}

func TestAppendQuery(t *testing.T) {
	buf := wire.AppendQuery(nil, "SELECT 1")
	assert.Equal(t, append([]byte{'Q', 0, 0, 0, 13}, "SELECT 1\x00"...), buf)
}

func TestAppendTerminate(t *testing.T) {
	assert.Equal(t, []byte{'X', 0, 0, 0, 4}, wire.AppendTerminate(nil))
}

func TestAppendSync(t *testing.T) {
	assert.Equal(t, []byte{'S', 0, 0, 0, 4}, wire.AppendSync(nil))
}

func TestAppendPassword(t *testing.T) {
	buf := wire.AppendPassword(nil, "secret")
	assert.Equal(t, append([]byte{'p', 0, 0, 0, 11}, "secret\x00"...), buf)
}

func TestAppendBind(t *testing.T) {
	args := [][]byte{[]byte("42"), nil, {0xca, 0xfe}}
	formats := []int16{wire.TextFormat, wire.TextFormat, wire.BinaryFormat}
	buf := wire.AppendBind(nil, formats, args)

	require.EqualValues(t, 'B', buf[0])
	declaredLen := int32(binary.BigEndian.Uint32(buf[1:]))
	require.EqualValues(t, len(buf)-1, declaredLen)

	msg := wire.NewMessage('B', buf[5:])

	portal, err := msg.ReadCString()
	require.NoError(t, err)
	assert.Equal(t, "", portal)
	stmt, err := msg.ReadCString()
	require.NoError(t, err)
	assert.Equal(t, "", stmt)

	formatCount, err := msg.ReadInt16()
	require.NoError(t, err)
	require.EqualValues(t, 3, formatCount)
	for i, want := range formats {
		f, err := msg.ReadInt16()
		require.NoError(t, err)
		assert.EqualValues(t, want, f, "format %d", i)
	}

	argCount, err := msg.ReadInt16()
	require.NoError(t, err)
	require.EqualValues(t, 3, argCount)

	l, err := msg.ReadInt32()
	require.NoError(t, err)
	require.EqualValues(t, 2, l)
	v, err := msg.ReadBytes(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), v)

	l, err = msg.ReadInt32()
	require.NoError(t, err)
	assert.EqualValues(t, -1, l, "nil argument must be the -1 null length")

	l, err = msg.ReadInt32()
	require.NoError(t, err)
	require.EqualValues(t, 2, l)
	v, err = msg.ReadBytes(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xca, 0xfe}, v)

	resultFormats, err := msg.ReadInt16()
	require.NoError(t, err)
	assert.EqualValues(t, 0, resultFormats)
	assert.Equal(t, 0, msg.Remaining())
}

func TestAppendParse(t *testing.T) {
	buf := wire.AppendParse(nil, "SELECT $1")

	require.EqualValues(t, 'P', buf[0])
	msg := wire.NewMessage('P', buf[5:])

	name, err := msg.ReadCString()
	require.NoError(t, err)
	assert.Equal(t, "", name)

	sql, err := msg.ReadCString()
	require.NoError(t, err)
	assert.Equal(t, "SELECT $1", sql)

	oidCount, err := msg.ReadInt16()
	require.NoError(t, err)
	assert.EqualValues(t, 0, oidCount)
}

func TestAppendDescribeExecute(t *testing.T) {
	buf := wire.AppendDescribePortal(nil)
	assert.Equal(t, []byte{'D', 0, 0, 0, 6, 'P', 0}, buf)

	buf = wire.AppendExecute(nil)
	assert.Equal(t, []byte{'E', 0, 0, 0, 9, 0, 0, 0, 0, 0}, buf)
}

func TestAppendSASLInitialResponse(t *testing.T) {
	buf := wire.AppendSASLInitialResponse(nil, "SCRAM-SHA-256", []byte("n,,n=,r=abc"))

	require.EqualValues(t, 'p', buf[0])
	msg := wire.NewMessage('p', buf[5:])

	mech, err := msg.ReadCString()
	require.NoError(t, err)
	assert.Equal(t, "SCRAM-SHA-256", mech)

	l, err := msg.ReadInt32()
	require.NoError(t, err)
	require.EqualValues(t, 11, l)
	assert.Equal(t, []byte("n,,n=,r=abc"), msg.ReadAll())
}

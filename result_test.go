package pgfinch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchdb/pgfinch"
)

func TestCommandTag(t *testing.T) {
	tests := []struct {
		tag     pgfinch.CommandTag
		command string
		rows    int64
	}{
		{"INSERT 0 5", "INSERT", 5},
		{"UPDATE 10", "UPDATE", 10},
		{"DELETE 0", "DELETE", 0},
		{"SELECT 2", "SELECT", 2},
		{"CREATE TABLE", "CREATE", 0},
		{"BEGIN", "BEGIN", 0},
		{"", "", 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.command, tt.tag.Command(), "tag: %q", tt.tag)
		assert.Equal(t, tt.rows, tt.tag.RowsAffected(), "tag: %q", tt.tag)
	}
}

func TestResultRowMaps(t *testing.T) {
	result := &pgfinch.Result{
		Fields: []pgfinch.FieldDescription{{Name: "id"}, {Name: "name"}},
		Rows: [][]interface{}{
			{"1", "ada"},
			{"2", nil},
		},
	}

	assert.Equal(t, []map[string]interface{}{
		{"id": "1", "name": "ada"},
		{"id": "2", "name": nil},
	}, result.RowMaps())
}

func TestLogLevelFromString(t *testing.T) {
	level, err := pgfinch.LogLevelFromString("debug")
	require.NoError(t, err)
	assert.Equal(t, pgfinch.LogLevelDebug, level)

	_, err = pgfinch.LogLevelFromString("verbose")
	assert.Error(t, err)
}

func TestLogLevelOrdering(t *testing.T) {
	assert.True(t, pgfinch.LogLevelTrace > pgfinch.LogLevelDebug)
	assert.True(t, pgfinch.LogLevelDebug > pgfinch.LogLevelInfo)
	assert.True(t, pgfinch.LogLevelInfo > pgfinch.LogLevelWarn)
	assert.True(t, pgfinch.LogLevelWarn > pgfinch.LogLevelError)
	assert.True(t, pgfinch.LogLevelError > pgfinch.LogLevelNone)
}

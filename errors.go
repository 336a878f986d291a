package pgfinch

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/finchdb/pgfinch/wire"
)

// PgError represents an error reported by the PostgreSQL server. See
// https://www.postgresql.org/docs/current/protocol-error-fields.html for
// detailed field description. A PgError is recoverable at statement
// granularity unless it occurs during startup or authentication.
type PgError struct {
	Severity         string
	Code             string
	Message          string
	Detail           string
	Hint             string
	Position         int32
	InternalPosition int32
	InternalQuery    string
	Where            string
	SchemaName       string
	TableName        string
	ColumnName       string
	DataTypeName     string
	ConstraintName   string
	File             string
	Line             int32
	Routine          string
}

func (pe *PgError) Error() string {
	return pe.Severity + ": " + pe.Message + " (SQLSTATE " + pe.Code + ")"
}

// SQLState returns the SQLState of the error.
func (pe *PgError) SQLState() string {
	return pe.Code
}

// Notice is a non-fatal message reported by the server during a query. It
// shares the wire encoding of PgError.
type Notice PgError

// ConnectionError represents a transport-level failure: a truncated
// stream, a socket error, or an ungraceful disconnect. It is always fatal
// to the connection.
type ConnectionError struct {
	err error
}

func (e *ConnectionError) Error() string {
	return "connection error: " + e.err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.err
}

// ConfigError represents a misconfiguration, such as a missing password
// for an authentication method that requires one. It is never retryable.
type ConfigError struct {
	msg string
	err error
}

func (e *ConfigError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return fmt.Sprintf("%s (%s)", e.msg, e.err.Error())
}

func (e *ConfigError) Unwrap() error {
	return e.err
}

// TxError wraps an error raised while a named transaction was open.
type TxError struct {
	Tx  string
	Err error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("transaction %q: %s", e.Tx, e.Err.Error())
}

func (e *TxError) Unwrap() error {
	return e.Err
}

type connectError struct {
	config *Config
	msg    string
	err    error
}

func (e *connectError) Error() string {
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "failed to connect to `host=%s user=%s database=%s`: %s", e.config.Host, e.config.User, e.config.Database, e.msg)
	if e.err != nil {
		fmt.Fprintf(sb, " (%s)", e.err.Error())
	}
	return sb.String()
}

func (e *connectError) Unwrap() error {
	return e.err
}

type parseConfigError struct {
	connString string
	msg        string
	err        error
}

func (e *parseConfigError) Error() string {
	connString := redactPW(e.connString)
	if e.err == nil {
		return fmt.Sprintf("cannot parse `%s`: %s", connString, e.msg)
	}
	return fmt.Sprintf("cannot parse `%s`: %s (%s)", connString, e.msg, e.err.Error())
}

func (e *parseConfigError) Unwrap() error {
	return e.err
}

// errorResponseFields decodes the shared body layout of ErrorResponse and
// NoticeResponse messages.
func errorResponseFields(msg *wire.Message) (*PgError, error) {
	pe := &PgError{}
	for {
		code, err := msg.ReadByte()
		if err != nil {
			return nil, err
		}
		if code == 0 {
			return pe, nil
		}
		value, err := msg.ReadCString()
		if err != nil {
			return nil, err
		}

		switch code {
		case 'S':
			pe.Severity = value
		case 'C':
			pe.Code = value
		case 'M':
			pe.Message = value
		case 'D':
			pe.Detail = value
		case 'H':
			pe.Hint = value
		case 'P':
			pe.Position = parseInt32(value)
		case 'p':
			pe.InternalPosition = parseInt32(value)
		case 'q':
			pe.InternalQuery = value
		case 'W':
			pe.Where = value
		case 's':
			pe.SchemaName = value
		case 't':
			pe.TableName = value
		case 'c':
			pe.ColumnName = value
		case 'd':
			pe.DataTypeName = value
		case 'n':
			pe.ConstraintName = value
		case 'F':
			pe.File = value
		case 'L':
			pe.Line = parseInt32(value)
		case 'R':
			pe.Routine = value
		}
	}
}

func parseInt32(s string) int32 {
	var n int32
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int32(r-'0')
	}
	return n
}

func redactPW(connString string) string {
	if strings.HasPrefix(connString, "postgres://") || strings.HasPrefix(connString, "postgresql://") {
		if u, err := url.Parse(connString); err == nil {
			return redactURL(u)
		}
	}
	quotedDSN := regexp.MustCompile(`password='[^']*'`)
	connString = quotedDSN.ReplaceAllLiteralString(connString, "password=xxxxx")
	plainDSN := regexp.MustCompile(`password=[^ ]*`)
	connString = plainDSN.ReplaceAllLiteralString(connString, "password=xxxxx")
	brokenURL := regexp.MustCompile(`:[^:@]+?@`)
	connString = brokenURL.ReplaceAllLiteralString(connString, ":xxxxxx@")
	return connString
}

func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if _, pwSet := u.User.Password(); pwSet {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

package pgfinch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/finchdb/pgfinch/wire"
)

// ErrTLSRefused occurs when the connection attempt requires TLS and the
// PostgreSQL server refuses to use TLS.
var ErrTLSRefused = errors.New("server refused TLS connection")

// ConnStatus is the lifecycle state of a Conn.
type ConnStatus int8

const (
	ConnStatusDisconnected ConnStatus = iota
	ConnStatusConnecting
	ConnStatusTLSNegotiating
	ConnStatusAuthenticating
	ConnStatusReady
	ConnStatusQuerying
)

func (s ConnStatus) String() string {
	switch s {
	case ConnStatusDisconnected:
		return "disconnected"
	case ConnStatusConnecting:
		return "connecting"
	case ConnStatusTLSNegotiating:
		return "tls negotiating"
	case ConnStatusAuthenticating:
		return "authenticating"
	case ConnStatusReady:
		return "ready"
	case ConnStatusQuerying:
		return "querying"
	default:
		return "invalid"
	}
}

// Conn is a single PostgreSQL connection. Query is safe for concurrent
// use: statements are serialized through a single-permit lock because the
// wire protocol is one in-order byte stream per socket. Everything else
// assumes one goroutine owns the Conn.
type Conn struct {
	config *Config

	netConn net.Conn
	reader  *wire.Reader

	status    ConnStatus
	pid       uint32
	secretKey uint32
	txStatus  byte
	transport string
	tlsActive bool

	parameterStatuses map[string]string

	// lock is the single-permit query lock. Waiters queue on the channel
	// send; a statement's full inbound drain completes before the next
	// caller is dispatched.
	lock chan struct{}

	currentTx *Tx
}

// Connect establishes a connection using a libpq style connection string.
// See ParseConfig.
func Connect(ctx context.Context, connString string) (*Conn, error) {
	config, err := ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	return ConnectConfig(ctx, config)
}

// ConnectConfig establishes a connection using config. config must have
// been created by ParseConfig or be a Copy of one. The configured
// reconnection policy applies: MaxReconnectAttempts == 0 means exactly
// one attempt.
func ConnectConfig(ctx context.Context, config *Config) (*Conn, error) {
	if config.User == "" {
		return nil, &ConfigError{msg: "config must specify a user"}
	}
	if config.DialFunc == nil {
		config.DialFunc = makeDefaultDialer().DialContext
	}

	c := &Conn{
		config: config,
		status: ConnStatusDisconnected,
		lock:   make(chan struct{}, 1),
	}

	if err := c.connectWithPolicy(ctx, false); err != nil {
		return nil, err
	}
	return c, nil
}

// connectWithPolicy runs the full startup sequence, retrying per the
// configured reconnection policy before surfacing the last error.
func (c *Conn) connectWithPolicy(ctx context.Context, isReconnect bool) error {
	bo := c.config.reconnectBackoff()

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxReconnectAttempts; attempt++ {
		if attempt > 0 {
			interval := bo.NextBackOff()
			c.log(ctx, LogLevelWarn, "reconnect attempt", map[string]interface{}{
				"attempt":  attempt,
				"interval": interval,
				"err":      lastErr,
			})
			if err := sleepCtx(ctx, interval); err != nil {
				return err
			}
		}

		lastErr = c.startup(ctx)
		if lastErr == nil {
			if isReconnect {
				c.log(ctx, LogLevelInfo, "reconnected", nil)
			} else {
				c.log(ctx, LogLevelInfo, "connected", map[string]interface{}{
					"host": c.config.Host, "database": c.config.Database,
				})
			}
			return nil
		}

		// Misconfiguration and server-reported authentication failures do
		// not become right by retrying.
		var cfgErr *ConfigError
		var pgErr *PgError
		if errors.As(lastErr, &cfgErr) || errors.As(lastErr, &pgErr) {
			return lastErr
		}
	}
	return lastErr
}

// startup attempts one full connect across the primary config and its
// fallbacks (TLS downgrade, additional hosts).
func (c *Conn) startup(ctx context.Context) error {
	fallbacks := append(
		[]*FallbackConfig{{Host: c.config.Host, Port: c.config.Port, TLSConfig: c.config.TLSConfig}},
		c.config.Fallbacks...,
	)

	var lastErr error
	for _, fb := range fallbacks {
		err := c.connectFallback(ctx, fb)
		if err == nil {
			return nil
		}
		lastErr = err

		var pgErr *PgError
		var cfgErr *ConfigError
		if errors.As(err, &pgErr) || errors.As(err, &cfgErr) {
			return err
		}
	}
	return lastErr
}

func (c *Conn) connectFallback(ctx context.Context, fb *FallbackConfig) error {
	c.status = ConnStatusConnecting
	network, address := NetworkAddress(fb.Host, fb.Port)

	netConn, err := c.config.DialFunc(ctx, network, address)
	if err != nil {
		c.status = ConnStatusDisconnected
		return &connectError{config: c.config, msg: "dial error", err: err}
	}

	c.netConn = netConn
	if network == "unix" {
		c.transport = "socket"
	} else {
		c.transport = "tcp"
	}
	c.parameterStatuses = make(map[string]string)

	if fb.TLSConfig != nil {
		c.status = ConnStatusTLSNegotiating
		if err := c.startTLS(fb.TLSConfig); err != nil {
			netConn.Close()
			c.resetEphemeralState()
			return &connectError{config: c.config, msg: "tls error", err: err}
		}
	}

	c.reader = wire.NewReader(c.netConn)

	startupParams := []wire.StartupParam{
		{Key: "user", Value: c.config.User},
	}
	if c.config.Database != "" {
		startupParams = append(startupParams, wire.StartupParam{Key: "database", Value: c.config.Database})
	}
	startupParams = append(startupParams, wire.StartupParam{Key: "client_encoding", Value: "utf-8"})
	for k, v := range c.config.RuntimeParams {
		startupParams = append(startupParams, wire.StartupParam{Key: k, Value: v})
	}

	c.status = ConnStatusAuthenticating
	if err := c.writeWire(wire.AppendStartup(nil, startupParams)); err != nil {
		return &connectError{config: c.config, msg: "failed to write startup message", err: err}
	}

	for {
		msg, err := c.receiveMessage()
		if err != nil {
			return &connectError{config: c.config, msg: "failed startup", err: err}
		}

		switch msg.Type {
		case wire.AuthenticationTag:
			if err := c.handleAuthentication(msg); err != nil {
				c.hardClose(err)
				return &connectError{config: c.config, msg: "failed to authenticate", err: err}
			}
		case wire.BackendKeyDataTag, wire.ParameterStatusTag:
			// absorbed by receiveMessage
		case wire.NoticeResponseTag:
			if notice, err := errorResponseFields(msg); err == nil {
				c.logNotice(ctx, (*Notice)(notice))
			}
		case wire.ReadyForQueryTag:
			c.status = ConnStatusReady
			return nil
		case wire.ErrorResponseTag:
			pgErr, perr := errorResponseFields(msg)
			if perr != nil {
				c.hardClose(perr)
				return &connectError{config: c.config, msg: "malformed error response", err: perr}
			}
			c.hardClose(pgErr)
			return &connectError{config: c.config, msg: "server error", err: pgErr}
		default:
			err := fmt.Errorf("unexpected message %q during startup", msg.Type)
			c.hardClose(err)
			return &connectError{config: c.config, msg: "failed startup", err: err}
		}
	}
}

// startTLS probes the server with an SSLRequest packet and upgrades the
// socket on acceptance. The server answers with a single raw byte.
func (c *Conn) startTLS(tlsConfig *tls.Config) error {
	if _, err := c.netConn.Write(wire.AppendSSLRequest(nil)); err != nil {
		return err
	}

	response := make([]byte, 1)
	if _, err := io.ReadFull(c.netConn, response); err != nil {
		return err
	}

	if response[0] != 'S' {
		return ErrTLSRefused
	}

	c.netConn = tls.Client(c.netConn, tlsConfig)
	c.tlsActive = true
	return nil
}

// receiveMessage reads the next backend message, absorbing the
// connection-level bookkeeping messages. Any read failure is a fatal
// transport error: the connection is torn down and a *ConnectionError
// returned.
func (c *Conn) receiveMessage() (*wire.Message, error) {
	msg, err := c.reader.ReadMessage()
	if err != nil {
		c.hardClose(err)
		return nil, &ConnectionError{err: err}
	}

	switch msg.Type {
	case wire.BackendKeyDataTag:
		if pid, err := msg.ReadUint32(); err == nil {
			c.pid = pid
		}
		if secretKey, err := msg.ReadUint32(); err == nil {
			c.secretKey = secretKey
		}
	case wire.ParameterStatusTag:
		name, err1 := msg.ReadCString()
		value, err2 := msg.ReadCString()
		if err1 == nil && err2 == nil {
			c.parameterStatuses[name] = value
		}
	case wire.ReadyForQueryTag:
		if txStatus, err := msg.ReadByte(); err == nil {
			c.txStatus = txStatus
		}
	}

	return msg, nil
}

// writeWire writes an encoded frontend message. A write failure is fatal.
func (c *Conn) writeWire(buf []byte) error {
	if _, err := c.netConn.Write(buf); err != nil {
		c.hardClose(err)
		return &ConnectionError{err: err}
	}
	return nil
}

// Query executes sql and returns the fully drained result. With no args
// the simple query protocol is used; otherwise the extended protocol
// binds the args (a []byte argument travels in the binary format, a nil
// argument as the SQL NULL, everything else as text via the EncodeArg
// hook). Query auto-reconnects when the connection has been closed.
//
// Concurrent callers are serialized: the permit is granted in roughly
// arrival order and held until the statement's trailing ReadyForQuery.
func (c *Conn) Query(ctx context.Context, sql string, args ...interface{}) (*Result, error) {
	if err := c.acquireLock(ctx); err != nil {
		return nil, err
	}
	defer c.releaseLock()

	if c.currentTx != nil {
		return nil, fmt.Errorf("connection busy with transaction %q", c.currentTx.name)
	}
	return c.query(ctx, sql, args)
}

// QueryRowMaps executes sql and returns the rows as field-name keyed
// maps. See Result.RowMaps.
func (c *Conn) QueryRowMaps(ctx context.Context, sql string, args ...interface{}) ([]map[string]interface{}, error) {
	result, err := c.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return result.RowMaps(), nil
}

// Exec executes sql and returns only its command tag.
func (c *Conn) Exec(ctx context.Context, sql string, args ...interface{}) (CommandTag, error) {
	result, err := c.Query(ctx, sql, args...)
	if err != nil {
		return "", err
	}
	return result.CommandTag, nil
}

// query runs one statement. The caller must hold the query lock.
func (c *Conn) query(ctx context.Context, sql string, args []interface{}) (*Result, error) {
	if c.status == ConnStatusDisconnected {
		if err := c.connectWithPolicy(ctx, true); err != nil {
			return nil, err
		}
	}
	if c.status != ConnStatusReady {
		return nil, fmt.Errorf("connection not ready (%s)", c.status)
	}

	if c.shouldLog(LogLevelDebug) {
		c.log(ctx, LogLevelDebug, "query", map[string]interface{}{
			"sql": sql, "args": logQueryArgs(args),
		})
	}

	c.status = ConnStatusQuerying
	defer func() {
		if c.status == ConnStatusQuerying {
			c.status = ConnStatusReady
		}
	}()

	if len(args) == 0 {
		return c.simpleQuery(ctx, sql)
	}
	return c.extendedQuery(ctx, sql, args)
}

// simpleQuery sends a single Query message and drains the response.
func (c *Conn) simpleQuery(ctx context.Context, sql string) (*Result, error) {
	if err := c.writeWire(wire.AppendQuery(nil, sql)); err != nil {
		return nil, err
	}
	return c.readQueryResults(ctx)
}

// extendedQuery runs the parse/bind/describe/execute/sync protocol with
// the unnamed statement and portal.
func (c *Conn) extendedQuery(ctx context.Context, sql string, args []interface{}) (*Result, error) {
	encodeArg := c.config.EncodeArg
	if encodeArg == nil {
		encodeArg = defaultEncodeArg
	}

	formats := make([]int16, len(args))
	values := make([][]byte, len(args))
	for i, arg := range args {
		switch arg := arg.(type) {
		case nil:
			formats[i] = wire.TextFormat
		case []byte:
			formats[i] = wire.BinaryFormat
			values[i] = arg
		default:
			encoded, err := encodeArg(arg)
			if err != nil {
				return nil, err
			}
			formats[i] = wire.TextFormat
			values[i] = encoded
		}
	}

	buf := wire.AppendParse(nil, sql)
	buf = wire.AppendBind(buf, formats, values)
	buf = wire.AppendDescribePortal(buf)
	buf = wire.AppendExecute(buf)
	buf = wire.AppendSync(buf)

	if err := c.writeWire(buf); err != nil {
		return nil, err
	}
	return c.readQueryResults(ctx)
}

// readQueryResults drains inbound messages into a Result until
// ReadyForQuery. An ErrorResponse is deferred and raised only after the
// ready signal so the stream is fully consumed even on error.
func (c *Conn) readQueryResults(ctx context.Context) (*Result, error) {
	decodeValue := c.config.DecodeValue
	if decodeValue == nil {
		decodeValue = defaultDecodeValue
	}

	result := &Result{}
	var deferredErr error

	for {
		msg, err := c.receiveMessage()
		if err != nil {
			return nil, err
		}

		switch msg.Type {
		case wire.RowDescriptionTag:
			fields, err := parseRowDescription(msg)
			if err != nil {
				c.hardClose(err)
				return nil, &ConnectionError{err: err}
			}
			result.Fields = fields
		case wire.DataRowTag:
			raw, err := parseDataRow(msg)
			if err != nil {
				c.hardClose(err)
				return nil, &ConnectionError{err: err}
			}
			row := make([]interface{}, len(raw))
			for i, src := range raw {
				var oid uint32
				var format int16
				if i < len(result.Fields) {
					oid = result.Fields[i].DataTypeOID
					format = result.Fields[i].Format
				}
				value, err := decodeValue(oid, format, src)
				if err != nil && deferredErr == nil {
					deferredErr = err
				}
				row[i] = value
			}
			result.Rows = append(result.Rows, row)
		case wire.CommandCompleteTag:
			if tag, err := msg.ReadCString(); err == nil {
				result.CommandTag = CommandTag(tag)
			}
		case wire.NoticeResponseTag:
			fields, err := errorResponseFields(msg)
			if err != nil {
				continue
			}
			notice := (*Notice)(fields)
			result.Warnings = append(result.Warnings, notice)
			c.logNotice(ctx, notice)
			if c.config.OnNotice != nil {
				c.config.OnNotice(c, notice)
			}
		case wire.ErrorResponseTag:
			pgErr, err := errorResponseFields(msg)
			if err != nil {
				c.hardClose(err)
				return nil, &ConnectionError{err: err}
			}
			if deferredErr == nil {
				deferredErr = pgErr
			}
		case wire.ParseCompleteTag, wire.BindCompleteTag, wire.NoDataTag,
			wire.CloseCompleteTag, wire.PortalSuspendedTag,
			wire.ParameterDescriptionTag, wire.EmptyQueryResponseTag,
			wire.BackendKeyDataTag, wire.ParameterStatusTag:
			// nothing to accumulate
		case wire.ReadyForQueryTag:
			if deferredErr != nil {
				return nil, deferredErr
			}
			return result, nil
		default:
			err := fmt.Errorf("unexpected message %q during query", msg.Type)
			c.hardClose(err)
			return nil, &ConnectionError{err: err}
		}
	}
}

// Close sends a Terminate message if connected, closes the socket, and
// resets all per-connection ephemeral state. It is safe to call on an
// already closed connection.
func (c *Conn) Close(ctx context.Context) error {
	if c.status == ConnStatusDisconnected {
		return nil
	}

	// Terminate is best effort; the socket close is what matters.
	c.netConn.Write(wire.AppendTerminate(nil))
	err := c.netConn.Close()

	c.resetEphemeralState()
	c.log(ctx, LogLevelInfo, "disconnected", nil)
	if c.config.OnDisconnect != nil {
		c.config.OnDisconnect(c)
	}
	return err
}

// hardClose tears the connection down after a fatal error without
// attempting a Terminate exchange.
func (c *Conn) hardClose(cause error) {
	if c.status == ConnStatusDisconnected {
		return
	}
	if c.netConn != nil {
		c.netConn.Close()
	}
	c.resetEphemeralState()
	c.log(context.Background(), LogLevelError, "connection lost", map[string]interface{}{"err": cause})
	if c.config.OnDisconnect != nil {
		c.config.OnDisconnect(c)
	}
}

func (c *Conn) resetEphemeralState() {
	c.status = ConnStatusDisconnected
	c.netConn = nil
	c.reader = nil
	c.pid = 0
	c.secretKey = 0
	c.txStatus = 0
	c.transport = ""
	c.tlsActive = false
	c.parameterStatuses = nil
	c.currentTx = nil
}

func (c *Conn) logNotice(ctx context.Context, notice *Notice) {
	c.log(ctx, LogLevelInfo, "notice", map[string]interface{}{
		"severity": notice.Severity, "message": notice.Message,
	})
}

// acquireLock takes the single-permit query lock, queueing behind any
// in-flight statement.
func (c *Conn) acquireLock(ctx context.Context) error {
	select {
	case c.lock <- struct{}{}:
		return nil
	default:
	}

	select {
	case c.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) releaseLock() {
	select {
	case <-c.lock:
	default:
	}
}

// Config returns the config used to establish the connection.
func (c *Conn) Config() *Config { return c.config }

// Status returns the lifecycle state of the connection.
func (c *Conn) Status() ConnStatus { return c.status }

// IsConnected reports whether the connection is usable.
func (c *Conn) IsConnected() bool {
	return c.status != ConnStatusDisconnected && c.status != ConnStatusConnecting
}

// PID returns the backend process ID reported by the server after
// authentication, for use with out-of-band cancellation requests.
func (c *Conn) PID() uint32 { return c.pid }

// SecretKey returns the backend secret key paired with PID.
func (c *Conn) SecretKey() uint32 { return c.secretKey }

// Transport returns "tcp" or "socket" once connected.
func (c *Conn) Transport() string { return c.transport }

// TLS reports whether the connection was upgraded to TLS.
func (c *Conn) TLS() bool { return c.tlsActive }

// TxStatus returns the last transaction status byte reported by
// ReadyForQuery: 'I' idle, 'T' in transaction, 'E' in failed transaction.
func (c *Conn) TxStatus() byte { return c.txStatus }

// ParameterStatus returns the value of a run-time parameter reported by
// the server (e.g. server_version). Returns an empty string for unknown
// parameters.
func (c *Conn) ParameterStatus(key string) string {
	return c.parameterStatuses[key]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

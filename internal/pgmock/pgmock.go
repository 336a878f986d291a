// Package pgmock provides a scripted mock PostgreSQL server for testing
// the client against exact byte exchanges without a live database.
package pgmock

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/finchdb/pgfinch/wire"
)

// Backend is the server side of one mocked connection.
type Backend struct {
	conn   net.Conn
	reader *wire.Reader
}

func NewBackend(conn net.Conn) *Backend {
	return &Backend{conn: conn, reader: wire.NewReader(conn)}
}

// ReceiveStartup reads the untagged startup packet.
func (b *Backend) ReceiveStartup() (uint32, []wire.StartupParam, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(b.conn, header); err != nil {
		return 0, nil, err
	}
	msgLen := int(binary.BigEndian.Uint32(header))
	if msgLen < 8 {
		return 0, nil, fmt.Errorf("startup packet length too small: %d", msgLen)
	}
	body := make([]byte, msgLen-4)
	if _, err := io.ReadFull(b.conn, body); err != nil {
		return 0, nil, err
	}
	return wire.ParseStartup(body)
}

// Receive reads the next tagged frontend message.
func (b *Backend) Receive() (*wire.Message, error) {
	return b.reader.ReadMessage()
}

// Send writes pre-encoded bytes to the client.
func (b *Backend) Send(buf []byte) error {
	_, err := b.conn.Write(buf)
	return err
}

// Close closes the underlying socket.
func (b *Backend) Close() error {
	return b.conn.Close()
}

// Controller drives one mocked connection.
type Controller interface {
	Serve(backend *Backend) error
}

// Server listens on a loopback port and hands accepted connections to a
// Controller.
type Server struct {
	ln         net.Listener
	controller Controller
}

func NewServer(controller Controller) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:")
	if err != nil {
		return nil, err
	}

	server := &Server{
		ln:         ln,
		controller: controller,
	}

	return server, nil
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// ServeOne accepts a single connection, stops listening, and runs the
// controller against it.
func (s *Server) ServeOne() error {
	conn, err := s.ln.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	s.Close()

	return s.controller.Serve(NewBackend(conn))
}

func (s *Server) Close() error {
	return s.ln.Close()
}

// Step is one scripted exchange with the client.
type Step interface {
	Step(*Backend) error
}

// Script is an ordered sequence of steps; it is itself a Controller and a
// Step so scripts can nest.
type Script struct {
	Steps []Step
}

func (s *Script) Run(backend *Backend) error {
	for _, step := range s.Steps {
		if err := step.Step(backend); err != nil {
			return err
		}
	}
	return nil
}

func (s *Script) Serve(backend *Backend) error {
	return s.Run(backend)
}

func (s *Script) Step(backend *Backend) error {
	return s.Run(backend)
}

type expectStartupStep struct {
	params map[string]string
}

func (e *expectStartupStep) Step(backend *Backend) error {
	version, params, err := backend.ReceiveStartup()
	if err != nil {
		return err
	}
	if version != wire.ProtocolVersionNumber {
		return fmt.Errorf("expected protocol version %d, got %d", wire.ProtocolVersionNumber, version)
	}
	for key, want := range e.params {
		var got string
		for _, p := range params {
			if p.Key == key {
				got = p.Value
				break
			}
		}
		if got != want {
			return fmt.Errorf("expected startup parameter %s=%q, got %q", key, want, got)
		}
	}
	return nil
}

// ExpectStartup expects a protocol 3.0 startup packet carrying at least
// the given parameters. A nil map accepts any parameters.
func ExpectStartup(params map[string]string) Step {
	return &expectStartupStep{params: params}
}

type expectMessageStep struct {
	wantType byte
	wantBody []byte
	anyBody  bool
}

func (e *expectMessageStep) Step(backend *Backend) error {
	msg, err := backend.Receive()
	if err != nil {
		return err
	}
	if msg.Type != e.wantType {
		return fmt.Errorf("expected message %q, got %q", e.wantType, msg.Type)
	}
	if e.anyBody {
		return nil
	}
	body := msg.ReadAll()
	if !bytes.Equal(body, e.wantBody) {
		return fmt.Errorf("expected message %q body %v, got %v", e.wantType, e.wantBody, body)
	}
	return nil
}

// ExpectMessage expects a frontend message with the exact type and body.
func ExpectMessage(typ byte, body []byte) Step {
	return &expectMessageStep{wantType: typ, wantBody: body}
}

// ExpectMessageType expects a frontend message of the given type with any
// body.
func ExpectMessageType(typ byte) Step {
	return &expectMessageStep{wantType: typ, anyBody: true}
}

// ExpectQuery expects a simple protocol Query message carrying sql.
func ExpectQuery(sql string) Step {
	return ExpectMessage(wire.QueryTag, append([]byte(sql), 0))
}

type sendStep struct {
	buf []byte
}

func (e *sendStep) Step(backend *Backend) error {
	return backend.Send(e.buf)
}

// SendBytes sends pre-encoded backend message bytes to the client.
func SendBytes(buf []byte) Step {
	return &sendStep{buf: buf}
}

type funcStep func(*Backend) error

func (f funcStep) Step(backend *Backend) error { return f(backend) }

// StepFunc adapts a function to a Step for exchanges a fixed expectation
// cannot express, such as computing a SCRAM proof from the client nonce.
func StepFunc(f func(*Backend) error) Step {
	return funcStep(f)
}

type refuseTLSStep struct{}

func (e *refuseTLSStep) Step(backend *Backend) error {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(backend.conn, buf); err != nil {
		return err
	}
	if binary.BigEndian.Uint32(buf[:4]) != 8 || binary.BigEndian.Uint32(buf[4:]) != 80877103 {
		return fmt.Errorf("expected SSLRequest packet, got %v", buf)
	}
	return backend.Send([]byte{'N'})
}

// RefuseTLS expects an SSLRequest packet and answers that TLS is not
// supported.
func RefuseTLS() Step {
	return &refuseTLSStep{}
}

type waitForTerminateStep struct{}

func (e *waitForTerminateStep) Step(backend *Backend) error {
	for {
		msg, err := backend.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if msg.Type == wire.TerminateTag {
			return nil
		}
	}
}

// WaitForTerminate reads and discards messages until a Terminate message
// or the client closes the socket.
func WaitForTerminate() Step {
	return &waitForTerminateStep{}
}

// AcceptUnauthenticatedConnRequestSteps returns the steps for a minimal
// successful startup with no password exchange.
func AcceptUnauthenticatedConnRequestSteps() []Step {
	return []Step{
		ExpectStartup(nil),
		SendBytes(AuthenticationOk()),
		SendBytes(BackendKeyData(1234, 5678)),
		SendBytes(ParameterStatus("server_version", "14.2")),
		SendBytes(ReadyForQuery('I')),
	}
}

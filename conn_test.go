package pgfinch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"github.com/finchdb/pgfinch/internal/pgmock"
	"github.com/finchdb/pgfinch/wire"
)

func startMockServer(t *testing.T, steps ...pgmock.Step) (string, <-chan error) {
	t.Helper()

	server, err := pgmock.NewServer(&pgmock.Script{Steps: steps})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ServeOne()
	}()

	return server.Addr().String(), errCh
}

func mockConnConfig(t *testing.T, addr string) *Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)

	return &Config{
		Host:          host,
		Port:          uint16(port),
		User:          "jack",
		Password:      "secret",
		Database:      "mydb",
		RuntimeParams: map[string]string{},
		DialFunc:      (&net.Dialer{}).DialContext,
	}
}

func requireScriptDone(t *testing.T, errCh <-chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("mock server script did not finish")
	}
}

func trustSteps() []pgmock.Step {
	return pgmock.AcceptUnauthenticatedConnRequestSteps()
}

func TestConnect(t *testing.T) {
	steps := append(trustSteps(), pgmock.WaitForTerminate())
	addr, errCh := startMockServer(t, steps...)

	ctx := context.Background()
	conn, err := ConnectConfig(ctx, mockConnConfig(t, addr))
	require.NoError(t, err)

	assert.True(t, conn.IsConnected())
	assert.Equal(t, ConnStatusReady, conn.Status())
	assert.Equal(t, uint32(1234), conn.PID())
	assert.Equal(t, uint32(5678), conn.SecretKey())
	assert.Equal(t, "14.2", conn.ParameterStatus("server_version"))
	assert.Equal(t, "tcp", conn.Transport())
	assert.False(t, conn.TLS())

	require.NoError(t, conn.Close(ctx))
	assert.False(t, conn.IsConnected())
	require.NoError(t, conn.Close(ctx))

	requireScriptDone(t, errCh)
}

func TestConnectStartupParameters(t *testing.T) {
	steps := []pgmock.Step{
		pgmock.ExpectStartup(map[string]string{
			"user":            "jack",
			"database":        "mydb",
			"client_encoding": "utf-8",
			"search_path":     "finch",
		}),
		pgmock.SendBytes(pgmock.AuthenticationOk()),
		pgmock.SendBytes(pgmock.ReadyForQuery('I')),
		pgmock.WaitForTerminate(),
	}
	addr, errCh := startMockServer(t, steps...)

	config := mockConnConfig(t, addr)
	config.RuntimeParams["search_path"] = "finch"

	ctx := context.Background()
	conn, err := ConnectConfig(ctx, config)
	require.NoError(t, err)
	conn.Close(ctx)
	requireScriptDone(t, errCh)
}

func TestConnectCleartextPassword(t *testing.T) {
	steps := []pgmock.Step{
		pgmock.ExpectStartup(nil),
		pgmock.SendBytes(pgmock.AuthenticationCleartextPassword()),
		pgmock.ExpectMessage(wire.PasswordMessageTag, append([]byte("secret"), 0)),
		pgmock.SendBytes(pgmock.AuthenticationOk()),
		pgmock.SendBytes(pgmock.ReadyForQuery('I')),
		pgmock.WaitForTerminate(),
	}
	addr, errCh := startMockServer(t, steps...)

	ctx := context.Background()
	conn, err := ConnectConfig(ctx, mockConnConfig(t, addr))
	require.NoError(t, err)
	conn.Close(ctx)
	requireScriptDone(t, errCh)
}

func TestConnectMD5Password(t *testing.T) {
	salt := [4]byte{0x01, 0x02, 0x03, 0x04}
	digest := digestMD5("secret", "jack", salt[:])

	steps := []pgmock.Step{
		pgmock.ExpectStartup(nil),
		pgmock.SendBytes(pgmock.AuthenticationMD5Password(salt)),
		pgmock.ExpectMessage(wire.PasswordMessageTag, append([]byte(digest), 0)),
		pgmock.SendBytes(pgmock.AuthenticationOk()),
		pgmock.SendBytes(pgmock.ReadyForQuery('I')),
		pgmock.WaitForTerminate(),
	}
	addr, errCh := startMockServer(t, steps...)

	ctx := context.Background()
	conn, err := ConnectConfig(ctx, mockConnConfig(t, addr))
	require.NoError(t, err)
	conn.Close(ctx)
	requireScriptDone(t, errCh)
}

// scramExchangeStep runs the server side of a SCRAM-SHA-256 exchange,
// deriving the expected proof from the password so any compliant client
// nonce is accepted.
func scramExchangeStep(password string) pgmock.Step {
	return pgmock.StepFunc(func(b *pgmock.Backend) error {
		msg, err := b.Receive()
		if err != nil {
			return err
		}
		if msg.Type != wire.PasswordMessageTag {
			return fmt.Errorf("expected SASLInitialResponse, got %q", msg.Type)
		}
		mechanism, err := msg.ReadCString()
		if err != nil {
			return err
		}
		if mechanism != "SCRAM-SHA-256" {
			return fmt.Errorf("expected mechanism SCRAM-SHA-256, got %q", mechanism)
		}
		if _, err := msg.ReadInt32(); err != nil {
			return err
		}
		clientFirst := msg.ReadAll()

		bare := bytes.TrimPrefix(clientFirst, []byte("n,,"))
		idx := bytes.Index(bare, []byte("r="))
		if idx < 0 {
			return fmt.Errorf("client-first carries no nonce: %q", clientFirst)
		}
		clientNonce := string(bare[idx+2:])

		salt := []byte("0123456789abcdef")
		serverNonce := clientNonce + "3rfcNHYJY1ZVvWVs7j"
		serverFirst := fmt.Sprintf("r=%s,s=%s,i=4096", serverNonce, base64.StdEncoding.EncodeToString(salt))
		if err := b.Send(pgmock.AuthenticationSASLContinue([]byte(serverFirst))); err != nil {
			return err
		}

		msg, err = b.Receive()
		if err != nil {
			return err
		}
		if msg.Type != wire.PasswordMessageTag {
			return fmt.Errorf("expected SASLResponse, got %q", msg.Type)
		}
		clientFinal := string(msg.ReadAll())

		idx = strings.LastIndex(clientFinal, ",p=")
		if idx < 0 {
			return fmt.Errorf("client-final carries no proof: %q", clientFinal)
		}
		withoutProof := clientFinal[:idx]
		proof := clientFinal[idx+3:]

		authMessage := string(bare) + "," + serverFirst + "," + withoutProof
		salted := pbkdf2.Key([]byte(password), salt, 4096, sha256.Size, sha256.New)
		clientKey := computeHMAC(salted, []byte("Client Key"))
		storedKey := sha256.Sum256(clientKey)
		clientSignature := computeHMAC(storedKey[:], []byte(authMessage))
		expectedProof := make([]byte, len(clientSignature))
		for i := range expectedProof {
			expectedProof[i] = clientSignature[i] ^ clientKey[i]
		}
		if proof != base64.StdEncoding.EncodeToString(expectedProof) {
			return fmt.Errorf("client proof mismatch")
		}

		serverKey := computeHMAC(salted, []byte("Server Key"))
		serverSignature := computeHMAC(serverKey, []byte(authMessage))
		return b.Send(pgmock.AuthenticationSASLFinal([]byte("v=" + base64.StdEncoding.EncodeToString(serverSignature))))
	})
}

func TestConnectSCRAM(t *testing.T) {
	steps := []pgmock.Step{
		pgmock.ExpectStartup(nil),
		pgmock.SendBytes(pgmock.AuthenticationSASL("SCRAM-SHA-256", "SCRAM-SHA-256-PLUS")),
		scramExchangeStep("secret"),
		pgmock.SendBytes(pgmock.AuthenticationOk()),
		pgmock.SendBytes(pgmock.ReadyForQuery('I')),
		pgmock.WaitForTerminate(),
	}
	addr, errCh := startMockServer(t, steps...)

	ctx := context.Background()
	conn, err := ConnectConfig(ctx, mockConnConfig(t, addr))
	require.NoError(t, err)
	conn.Close(ctx)
	requireScriptDone(t, errCh)
}

func TestConnectAuthError(t *testing.T) {
	steps := []pgmock.Step{
		pgmock.ExpectStartup(nil),
		pgmock.SendBytes(pgmock.ErrorResponse("FATAL", "28P01", `password authentication failed for user "jack"`)),
	}
	addr, errCh := startMockServer(t, steps...)

	config := mockConnConfig(t, addr)
	// A server-reported failure must not be retried.
	config.MaxReconnectAttempts = 3

	_, err := ConnectConfig(context.Background(), config)
	require.Error(t, err)

	var pgErr *PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "28P01", pgErr.Code)
	requireScriptDone(t, errCh)
}

func TestConnectMissingPassword(t *testing.T) {
	steps := []pgmock.Step{
		pgmock.ExpectStartup(nil),
		pgmock.SendBytes(pgmock.AuthenticationCleartextPassword()),
	}
	addr, _ := startMockServer(t, steps...)

	config := mockConnConfig(t, addr)
	config.Password = ""

	_, err := ConnectConfig(context.Background(), config)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestConnectTLSRefused(t *testing.T) {
	steps := []pgmock.Step{
		pgmock.RefuseTLS(),
	}
	addr, errCh := startMockServer(t, steps...)

	config := mockConnConfig(t, addr)
	config.TLSConfig = &tls.Config{InsecureSkipVerify: true}

	_, err := ConnectConfig(context.Background(), config)
	require.ErrorIs(t, err, ErrTLSRefused)
	requireScriptDone(t, errCh)
}

func TestConnectRetryPolicy(t *testing.T) {
	var dials int
	config := &Config{
		Host: "localhost", Port: 5432, User: "jack",
		RuntimeParams:        map[string]string{},
		MaxReconnectAttempts: 2,
		ReconnectInterval:    time.Millisecond,
		DialFunc: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials++
			return nil, errors.New("no route to host")
		},
	}

	_, err := ConnectConfig(context.Background(), config)
	require.Error(t, err)
	assert.Equal(t, 3, dials)
}

func TestConnectSingleAttemptByDefault(t *testing.T) {
	var dials int
	config := &Config{
		Host: "localhost", Port: 5432, User: "jack",
		RuntimeParams: map[string]string{},
		DialFunc: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials++
			return nil, errors.New("no route to host")
		},
	}

	_, err := ConnectConfig(context.Background(), config)
	require.Error(t, err)
	assert.Equal(t, 1, dials)
}

func TestSimpleQuery(t *testing.T) {
	steps := append(trustSteps(),
		pgmock.ExpectQuery("select n, s from widgets"),
		pgmock.SendBytes(pgmock.RowDescription(
			pgmock.Field{Name: "n", DataTypeOID: 23, Format: wire.TextFormat},
			pgmock.Field{Name: "s", DataTypeOID: 25, Format: wire.TextFormat},
		)),
		pgmock.SendBytes(pgmock.TextRow("1", "foo")),
		pgmock.SendBytes(pgmock.DataRow([]byte("2"), nil)),
		pgmock.SendBytes(pgmock.CommandComplete("SELECT 2")),
		pgmock.SendBytes(pgmock.ReadyForQuery('I')),
		pgmock.WaitForTerminate(),
	)
	addr, errCh := startMockServer(t, steps...)

	ctx := context.Background()
	conn, err := ConnectConfig(ctx, mockConnConfig(t, addr))
	require.NoError(t, err)

	result, err := conn.Query(ctx, "select n, s from widgets")
	require.NoError(t, err)

	require.Len(t, result.Fields, 2)
	assert.Equal(t, "n", result.Fields[0].Name)
	assert.Equal(t, "s", result.Fields[1].Name)
	assert.Equal(t, [][]interface{}{{"1", "foo"}, {"2", nil}}, result.Rows)
	assert.Equal(t, CommandTag("SELECT 2"), result.CommandTag)
	assert.Equal(t, int64(2), result.CommandTag.RowsAffected())
	assert.Equal(t, []map[string]interface{}{
		{"n": "1", "s": "foo"},
		{"n": "2", "s": nil},
	}, result.RowMaps())

	conn.Close(ctx)
	requireScriptDone(t, errCh)
}

func TestExtendedQuery(t *testing.T) {
	sql := "insert into blobs values ($1, $2, $3)"

	expectedParse := wire.AppendParse(nil, sql)
	expectedBind := wire.AppendBind(nil,
		[]int16{wire.BinaryFormat, wire.TextFormat, wire.TextFormat},
		[][]byte{{0xca, 0xfe}, nil, []byte("42")},
	)

	steps := append(trustSteps(),
		pgmock.ExpectMessage(wire.ParseTag, expectedParse[5:]),
		pgmock.ExpectMessage(wire.BindTag, expectedBind[5:]),
		pgmock.ExpectMessageType(wire.DescribeTag),
		pgmock.ExpectMessageType(wire.ExecuteTag),
		pgmock.ExpectMessageType(wire.SyncTag),
		pgmock.SendBytes(pgmock.ParseComplete()),
		pgmock.SendBytes(pgmock.BindComplete()),
		pgmock.SendBytes(pgmock.NoData()),
		pgmock.SendBytes(pgmock.CommandComplete("INSERT 0 1")),
		pgmock.SendBytes(pgmock.ReadyForQuery('I')),
		pgmock.WaitForTerminate(),
	)
	addr, errCh := startMockServer(t, steps...)

	ctx := context.Background()
	conn, err := ConnectConfig(ctx, mockConnConfig(t, addr))
	require.NoError(t, err)

	result, err := conn.Query(ctx, sql, []byte{0xca, 0xfe}, nil, 42)
	require.NoError(t, err)
	assert.Equal(t, CommandTag("INSERT 0 1"), result.CommandTag)
	assert.Equal(t, int64(1), result.CommandTag.RowsAffected())

	conn.Close(ctx)
	requireScriptDone(t, errCh)
}

func TestQueryDeferredError(t *testing.T) {
	steps := append(trustSteps(),
		pgmock.ExpectQuery("select bogus"),
		pgmock.SendBytes(pgmock.ErrorResponse("ERROR", "42703", `column "bogus" does not exist`)),
		pgmock.SendBytes(pgmock.ReadyForQuery('I')),
		pgmock.ExpectQuery("select 1"),
		pgmock.SendBytes(pgmock.RowDescription(pgmock.Field{Name: "?column?", DataTypeOID: 23})),
		pgmock.SendBytes(pgmock.TextRow("1")),
		pgmock.SendBytes(pgmock.CommandComplete("SELECT 1")),
		pgmock.SendBytes(pgmock.ReadyForQuery('I')),
		pgmock.WaitForTerminate(),
	)
	addr, errCh := startMockServer(t, steps...)

	ctx := context.Background()
	conn, err := ConnectConfig(ctx, mockConnConfig(t, addr))
	require.NoError(t, err)

	_, err = conn.Query(ctx, "select bogus")
	var pgErr *PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "42703", pgErr.Code)
	assert.Equal(t, "ERROR", pgErr.Severity)

	// The error was deferred until ReadyForQuery, so the stream is intact
	// and the connection remains usable.
	assert.True(t, conn.IsConnected())
	result, err := conn.Query(ctx, "select 1")
	require.NoError(t, err)
	assert.Equal(t, [][]interface{}{{"1"}}, result.Rows)

	conn.Close(ctx)
	requireScriptDone(t, errCh)
}

func TestQueryEmptyQueryResponse(t *testing.T) {
	steps := append(trustSteps(),
		pgmock.ExpectQuery(""),
		pgmock.SendBytes(pgmock.EmptyQueryResponse()),
		pgmock.SendBytes(pgmock.ReadyForQuery('I')),
		pgmock.WaitForTerminate(),
	)
	addr, errCh := startMockServer(t, steps...)

	ctx := context.Background()
	conn, err := ConnectConfig(ctx, mockConnConfig(t, addr))
	require.NoError(t, err)

	result, err := conn.Query(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
	assert.Empty(t, result.CommandTag)

	conn.Close(ctx)
	requireScriptDone(t, errCh)
}

func TestQueryNotice(t *testing.T) {
	steps := append(trustSteps(),
		pgmock.ExpectQuery("drop table if exists missing"),
		pgmock.SendBytes(pgmock.NoticeResponse("NOTICE", "00000", `table "missing" does not exist, skipping`)),
		pgmock.SendBytes(pgmock.CommandComplete("DROP TABLE")),
		pgmock.SendBytes(pgmock.ReadyForQuery('I')),
		pgmock.WaitForTerminate(),
	)
	addr, errCh := startMockServer(t, steps...)

	var noticed []*Notice
	config := mockConnConfig(t, addr)
	config.OnNotice = func(_ *Conn, n *Notice) {
		noticed = append(noticed, n)
	}

	ctx := context.Background()
	conn, err := ConnectConfig(ctx, config)
	require.NoError(t, err)

	result, err := conn.Query(ctx, "drop table if exists missing")
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "NOTICE", result.Warnings[0].Severity)
	require.Len(t, noticed, 1)
	assert.Contains(t, noticed[0].Message, "skipping")

	conn.Close(ctx)
	requireScriptDone(t, errCh)
}

func TestQueryAutoReconnect(t *testing.T) {
	// First server hangs up right after a successful startup.
	addr1, errCh1 := startMockServer(t, trustSteps()...)

	steps2 := append(trustSteps(),
		pgmock.ExpectQuery("select 1"),
		pgmock.SendBytes(pgmock.RowDescription(pgmock.Field{Name: "?column?", DataTypeOID: 23})),
		pgmock.SendBytes(pgmock.TextRow("1")),
		pgmock.SendBytes(pgmock.CommandComplete("SELECT 1")),
		pgmock.SendBytes(pgmock.ReadyForQuery('I')),
		pgmock.WaitForTerminate(),
	)
	addr2, errCh2 := startMockServer(t, steps2...)

	var mu sync.Mutex
	target := addr1
	var disconnects int

	config := mockConnConfig(t, addr1)
	config.DialFunc = func(ctx context.Context, network, _ string) (net.Conn, error) {
		mu.Lock()
		addr := target
		mu.Unlock()
		return (&net.Dialer{}).DialContext(ctx, network, addr)
	}
	config.OnDisconnect = func(*Conn) { disconnects++ }

	ctx := context.Background()
	conn, err := ConnectConfig(ctx, config)
	require.NoError(t, err)
	requireScriptDone(t, errCh1)

	mu.Lock()
	target = addr2
	mu.Unlock()

	// The socket is gone; the first statement surfaces the transport
	// failure.
	_, err = conn.Query(ctx, "select 1")
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.False(t, conn.IsConnected())
	assert.Equal(t, 1, disconnects)

	// The next statement reconnects automatically.
	result, err := conn.Query(ctx, "select 1")
	require.NoError(t, err)
	assert.Equal(t, [][]interface{}{{"1"}}, result.Rows)
	assert.True(t, conn.IsConnected())

	conn.Close(ctx)
	requireScriptDone(t, errCh2)
}

func TestConcurrentQueriesAreSerialized(t *testing.T) {
	const workers = 5

	steps := trustSteps()
	for i := 0; i < workers; i++ {
		steps = append(steps,
			pgmock.ExpectQuery("select 1"),
			pgmock.SendBytes(pgmock.RowDescription(pgmock.Field{Name: "?column?", DataTypeOID: 23})),
			pgmock.SendBytes(pgmock.TextRow("1")),
			pgmock.SendBytes(pgmock.CommandComplete("SELECT 1")),
			pgmock.SendBytes(pgmock.ReadyForQuery('I')),
		)
	}
	steps = append(steps, pgmock.WaitForTerminate())
	addr, errCh := startMockServer(t, steps...)

	ctx := context.Background()
	conn, err := ConnectConfig(ctx, mockConnConfig(t, addr))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = conn.Query(ctx, "select 1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "worker %d", i)
	}

	conn.Close(ctx)
	requireScriptDone(t, errCh)
}

func TestTransactionLifecycle(t *testing.T) {
	steps := append(trustSteps(),
		pgmock.ExpectQuery("BEGIN ISOLATION LEVEL SERIALIZABLE"),
		pgmock.SendBytes(pgmock.CommandComplete("BEGIN")),
		pgmock.SendBytes(pgmock.ReadyForQuery('T')),
		pgmock.ExpectQuery("SAVEPOINT mysp"),
		pgmock.SendBytes(pgmock.CommandComplete("SAVEPOINT")),
		pgmock.SendBytes(pgmock.ReadyForQuery('T')),
		pgmock.ExpectQuery("SAVEPOINT mysp"),
		pgmock.SendBytes(pgmock.CommandComplete("SAVEPOINT")),
		pgmock.SendBytes(pgmock.ReadyForQuery('T')),
		pgmock.ExpectQuery("RELEASE SAVEPOINT mysp"),
		pgmock.SendBytes(pgmock.CommandComplete("RELEASE")),
		pgmock.SendBytes(pgmock.ReadyForQuery('T')),
		pgmock.ExpectQuery("ROLLBACK TO SAVEPOINT mysp"),
		pgmock.SendBytes(pgmock.CommandComplete("ROLLBACK")),
		pgmock.SendBytes(pgmock.ReadyForQuery('T')),
		pgmock.ExpectQuery("COMMIT"),
		pgmock.SendBytes(pgmock.CommandComplete("COMMIT")),
		pgmock.SendBytes(pgmock.ReadyForQuery('I')),
		pgmock.WaitForTerminate(),
	)
	addr, errCh := startMockServer(t, steps...)

	ctx := context.Background()
	conn, err := ConnectConfig(ctx, mockConnConfig(t, addr))
	require.NoError(t, err)

	tx, err := conn.BeginTx(ctx, "orders", TxOptions{IsoLevel: Serializable})
	require.NoError(t, err)
	assert.Equal(t, "orders", tx.Name())

	// Direct queries are rejected while the transaction is open.
	_, err = conn.Query(ctx, "select 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orders")

	// Same name stacks instances on a single savepoint, case folded.
	sp, err := tx.Savepoint(ctx, "MySP")
	require.NoError(t, err)
	assert.Equal(t, "mysp", sp.Name())
	assert.Equal(t, 1, sp.Instances())

	sp2, err := tx.Savepoint(ctx, "MYSP")
	require.NoError(t, err)
	assert.Same(t, sp, sp2)
	assert.Equal(t, 2, sp.Instances())

	require.NoError(t, sp.Release(ctx))
	assert.Equal(t, 1, sp.Instances())

	require.NoError(t, tx.RollbackWith(ctx, RollbackOptions{Savepoint: sp}))

	require.NoError(t, tx.Commit(ctx))

	// The transaction is closed; a second commit sends nothing and
	// succeeds, queries fail, and the connection is free again.
	require.NoError(t, tx.Commit(ctx))
	_, err = tx.Query(ctx, "select 1")
	require.ErrorIs(t, err, ErrTxClosed)

	conn.Close(ctx)
	requireScriptDone(t, errCh)
}

func TestTransactionQueryErrorClosesTx(t *testing.T) {
	steps := append(trustSteps(),
		pgmock.ExpectQuery("BEGIN"),
		pgmock.SendBytes(pgmock.CommandComplete("BEGIN")),
		pgmock.SendBytes(pgmock.ReadyForQuery('T')),
		pgmock.ExpectQuery("select bogus"),
		pgmock.SendBytes(pgmock.ErrorResponse("ERROR", "42703", `column "bogus" does not exist`)),
		pgmock.SendBytes(pgmock.ReadyForQuery('E')),
		pgmock.ExpectQuery("COMMIT"),
		pgmock.SendBytes(pgmock.CommandComplete("ROLLBACK")),
		pgmock.SendBytes(pgmock.ReadyForQuery('I')),
		pgmock.ExpectQuery("select 1"),
		pgmock.SendBytes(pgmock.CommandComplete("SELECT 0")),
		pgmock.SendBytes(pgmock.ReadyForQuery('I')),
		pgmock.WaitForTerminate(),
	)
	addr, errCh := startMockServer(t, steps...)

	ctx := context.Background()
	conn, err := ConnectConfig(ctx, mockConnConfig(t, addr))
	require.NoError(t, err)

	tx, err := conn.BeginTx(ctx, "doomed", TxOptions{})
	require.NoError(t, err)

	_, err = tx.Query(ctx, "select bogus")
	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "doomed", txErr.Tx)
	var pgErr *PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "42703", pgErr.Code)

	// The transaction was ended server side and the connection released.
	_, err = tx.Query(ctx, "select 1")
	require.ErrorIs(t, err, ErrTxClosed)
	_, err = conn.Query(ctx, "select 1")
	require.NoError(t, err)

	conn.Close(ctx)
	requireScriptDone(t, errCh)
}

func TestBeginTxWhileTxInProgress(t *testing.T) {
	steps := append(trustSteps(),
		pgmock.ExpectQuery("BEGIN"),
		pgmock.SendBytes(pgmock.CommandComplete("BEGIN")),
		pgmock.SendBytes(pgmock.ReadyForQuery('T')),
		pgmock.WaitForTerminate(),
	)
	addr, errCh := startMockServer(t, steps...)

	ctx := context.Background()
	conn, err := ConnectConfig(ctx, mockConnConfig(t, addr))
	require.NoError(t, err)

	_, err = conn.Begin(ctx)
	require.NoError(t, err)

	_, err = conn.Begin(ctx)
	require.ErrorIs(t, err, ErrTxInProgress)

	conn.Close(ctx)
	requireScriptDone(t, errCh)
}

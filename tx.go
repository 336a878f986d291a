package pgfinch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// TxIsoLevel is a transaction isolation level.
type TxIsoLevel string

const (
	Serializable   TxIsoLevel = "serializable"
	RepeatableRead TxIsoLevel = "repeatable read"
	ReadCommitted  TxIsoLevel = "read committed"
)

// TxAccessMode is a transaction access mode.
type TxAccessMode string

const (
	ReadWrite TxAccessMode = "read write"
	ReadOnly  TxAccessMode = "read only"
)

// TxOptions are the BEGIN options for a transaction.
type TxOptions struct {
	IsoLevel   TxIsoLevel
	AccessMode TxAccessMode

	// Snapshot is a snapshot identifier previously exported with
	// Tx.Snapshot. When set the new transaction is pinned to that
	// snapshot with SET TRANSACTION SNAPSHOT.
	Snapshot string
}

// CommitOptions control Tx.CommitWith.
type CommitOptions struct {
	// Chain commits with COMMIT AND CHAIN, immediately starting a new
	// transaction with the same options. The Tx remains usable.
	Chain bool
}

// RollbackOptions control Tx.RollbackWith. Savepoint and Chain are
// mutually exclusive.
type RollbackOptions struct {
	// Savepoint rolls back to the named savepoint instead of aborting
	// the whole transaction. The Tx remains usable.
	Savepoint *Savepoint

	// Chain aborts with ROLLBACK AND CHAIN, immediately starting a new
	// transaction with the same options. The Tx remains usable.
	Chain bool
}

// ErrTxClosed occurs when a committed or rolled back transaction is used
// again.
var ErrTxClosed = errors.New("tx is closed")

// ErrTxInProgress occurs when BeginTx is called on a connection that
// already has an open transaction.
var ErrTxInProgress = errors.New("connection already has a transaction in progress")

// Savepoint name validation errors. The three failure modes report
// distinct errors so callers can tell what to fix.
var (
	ErrSavepointNameStart   = errors.New("savepoint name must start with a letter or underscore")
	ErrSavepointNameTooLong = errors.New("savepoint name exceeds 63 characters")
	ErrSavepointNameInvalid = errors.New("savepoint name contains invalid characters")
	ErrSavepointNotDeclared = errors.New("savepoint has not been declared or has been fully released")
)

var savepointNameRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Savepoint is a named rollback point inside a transaction. The same
// name may be declared repeatedly; PostgreSQL stacks the instances, so
// the Savepoint tracks an instance count and Release pops one level.
type Savepoint struct {
	tx        *Tx
	name      string
	instances int
}

// Name returns the savepoint name, folded to lower case.
func (sp *Savepoint) Name() string { return sp.name }

// Instances returns how many levels of this savepoint are live.
func (sp *Savepoint) Instances() int { return sp.instances }

// Release releases the innermost instance of the savepoint with RELEASE
// SAVEPOINT. Releasing a savepoint with no live instances is an error
// reported before any I/O.
func (sp *Savepoint) Release(ctx context.Context) error {
	if sp.instances < 1 {
		return sp.tx.txErr(ErrSavepointNotDeclared)
	}
	_, err := sp.tx.Query(ctx, `RELEASE SAVEPOINT `+sp.name)
	if err != nil {
		return err
	}
	sp.instances--
	return nil
}

// Tx is an in-progress database transaction bound to a single Conn. A
// connection carries at most one open transaction; Conn.Query fails
// while a Tx is open, and statements must go through Tx.Query instead.
type Tx struct {
	conn    *Conn
	name    string
	options TxOptions

	savepoints map[string]*Savepoint
	closed     bool
}

// Begin starts an unnamed transaction with default options.
func (c *Conn) Begin(ctx context.Context) (*Tx, error) {
	return c.BeginTx(ctx, "", TxOptions{})
}

// BeginTx starts a transaction with the given display name and options.
// The name appears in transaction errors; it is not sent to the server.
func (c *Conn) BeginTx(ctx context.Context, name string, options TxOptions) (*Tx, error) {
	if err := c.acquireLock(ctx); err != nil {
		return nil, err
	}
	defer c.releaseLock()

	if c.currentTx != nil {
		return nil, ErrTxInProgress
	}

	tx := &Tx{
		conn:       c,
		name:       name,
		options:    options,
		savepoints: make(map[string]*Savepoint),
	}

	if _, err := c.query(ctx, tx.beginSQL(), nil); err != nil {
		return nil, err
	}

	c.currentTx = tx
	return tx, nil
}

func (tx *Tx) beginSQL() string {
	var sb strings.Builder
	sb.WriteString("BEGIN")
	if tx.options.IsoLevel != "" {
		sb.WriteString(" ISOLATION LEVEL ")
		sb.WriteString(strings.ToUpper(string(tx.options.IsoLevel)))
	}
	if tx.options.AccessMode != "" {
		sb.WriteString(" ")
		sb.WriteString(strings.ToUpper(string(tx.options.AccessMode)))
	}
	if tx.options.Snapshot != "" {
		sb.WriteString(";SET TRANSACTION SNAPSHOT '")
		sb.WriteString(strings.ReplaceAll(tx.options.Snapshot, "'", "''"))
		sb.WriteString("'")
	}
	return sb.String()
}

// Name returns the transaction's display name.
func (tx *Tx) Name() string { return tx.name }

func (tx *Tx) txErr(err error) error {
	return &TxError{Tx: tx.name, Err: err}
}

// Query executes sql inside the transaction. A server-reported error
// aborts the transaction on the server side; the Tx is then closed
// locally and the error wrapped in a *TxError.
func (tx *Tx) Query(ctx context.Context, sql string, args ...interface{}) (*Result, error) {
	if err := tx.conn.acquireLock(ctx); err != nil {
		return nil, err
	}
	defer tx.conn.releaseLock()

	if tx.closed || tx.conn.currentTx != tx {
		return nil, tx.txErr(ErrTxClosed)
	}

	result, err := tx.conn.query(ctx, sql, args)
	if err != nil {
		var pgErr *PgError
		if errors.As(err, &pgErr) {
			// The server has aborted the transaction; every further
			// statement would fail until it ends. COMMIT on an aborted
			// transaction is converted to a rollback by the server, so
			// ending it this way needs no state inspection.
			tx.close()
			if _, endErr := tx.conn.query(ctx, "COMMIT", nil); endErr != nil {
				return nil, tx.txErr(fmt.Errorf("%w (failed to end aborted transaction: %v)", pgErr, endErr))
			}
		}
		return nil, tx.txErr(err)
	}
	return result, nil
}

// Exec executes sql inside the transaction and returns only its command
// tag.
func (tx *Tx) Exec(ctx context.Context, sql string, args ...interface{}) (CommandTag, error) {
	result, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return "", err
	}
	return result.CommandTag, nil
}

// Commit commits the transaction.
func (tx *Tx) Commit(ctx context.Context) error {
	return tx.CommitWith(ctx, CommitOptions{})
}

// CommitWith commits the transaction with options. With Chain set the
// transaction is committed and a new one immediately begun with the same
// options, and the Tx remains open. Committing an already ended
// transaction sends no SQL and succeeds.
func (tx *Tx) CommitWith(ctx context.Context, options CommitOptions) error {
	if err := tx.conn.acquireLock(ctx); err != nil {
		return err
	}
	defer tx.conn.releaseLock()

	if tx.closed || tx.conn.currentTx != tx {
		tx.close()
		return nil
	}

	sql := "COMMIT"
	if options.Chain {
		sql = "COMMIT AND CHAIN"
	}

	if _, err := tx.conn.query(ctx, sql, nil); err != nil {
		tx.close()
		return tx.txErr(err)
	}

	if options.Chain {
		tx.savepoints = make(map[string]*Savepoint)
		return nil
	}
	tx.close()
	return nil
}

// Rollback aborts the transaction.
func (tx *Tx) Rollback(ctx context.Context) error {
	return tx.RollbackWith(ctx, RollbackOptions{})
}

// RollbackWith aborts the transaction with options. Savepoint and Chain
// are mutually exclusive and rejected before any I/O. Rolling back to a
// savepoint or with Chain keeps the Tx open.
func (tx *Tx) RollbackWith(ctx context.Context, options RollbackOptions) error {
	if options.Savepoint != nil && options.Chain {
		return tx.txErr(errors.New("savepoint and chain rollbacks are mutually exclusive"))
	}
	if options.Savepoint != nil && options.Savepoint.instances < 1 {
		return tx.txErr(ErrSavepointNotDeclared)
	}

	if err := tx.conn.acquireLock(ctx); err != nil {
		return err
	}
	defer tx.conn.releaseLock()

	if tx.closed || tx.conn.currentTx != tx {
		return tx.txErr(ErrTxClosed)
	}

	var sql string
	switch {
	case options.Savepoint != nil:
		sql = "ROLLBACK TO SAVEPOINT " + options.Savepoint.name
	case options.Chain:
		sql = "ROLLBACK AND CHAIN"
	default:
		sql = "ROLLBACK"
	}

	if _, err := tx.conn.query(ctx, sql, nil); err != nil {
		tx.close()
		return tx.txErr(err)
	}

	switch {
	case options.Savepoint != nil:
		// Rolling back to a savepoint keeps the savepoint itself live.
	case options.Chain:
		tx.savepoints = make(map[string]*Savepoint)
	default:
		tx.close()
	}
	return nil
}

// Savepoint declares a savepoint inside the transaction. Names are
// folded to lower case and must match PostgreSQL's unquoted identifier
// rules. Declaring an existing name stacks a new instance on the same
// Savepoint.
func (tx *Tx) Savepoint(ctx context.Context, name string) (*Savepoint, error) {
	if err := validateSavepointName(name); err != nil {
		return nil, tx.txErr(err)
	}
	folded := strings.ToLower(name)

	if err := tx.conn.acquireLock(ctx); err != nil {
		return nil, err
	}
	defer tx.conn.releaseLock()

	if tx.closed || tx.conn.currentTx != tx {
		return nil, tx.txErr(ErrTxClosed)
	}

	if _, err := tx.conn.query(ctx, "SAVEPOINT "+folded, nil); err != nil {
		return nil, tx.txErr(err)
	}

	sp, ok := tx.savepoints[folded]
	if !ok {
		sp = &Savepoint{tx: tx, name: folded}
		tx.savepoints[folded] = sp
	}
	sp.instances++
	return sp, nil
}

// Snapshot exports the transaction's snapshot with PG_EXPORT_SNAPSHOT so
// another transaction can be pinned to it through TxOptions.Snapshot.
// The transaction must use the repeatable read or serializable isolation
// level for the export to be meaningful across statements.
func (tx *Tx) Snapshot(ctx context.Context) (string, error) {
	result, err := tx.Query(ctx, `SELECT PG_EXPORT_SNAPSHOT()`)
	if err != nil {
		return "", err
	}
	if len(result.Rows) != 1 || len(result.Rows[0]) != 1 {
		return "", tx.txErr(errors.New("unexpected snapshot export result shape"))
	}
	id, ok := result.Rows[0][0].(string)
	if !ok {
		return "", tx.txErr(errors.New("snapshot identifier is not text"))
	}
	return id, nil
}

// close clears local bookkeeping and releases the connection for new
// statements. Server state is the caller's concern.
func (tx *Tx) close() {
	tx.closed = true
	tx.savepoints = nil
	if tx.conn.currentTx == tx {
		tx.conn.currentTx = nil
	}
}

func validateSavepointName(name string) error {
	if savepointNameRegexp.MatchString(name) {
		return nil
	}
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		return ErrSavepointNameStart
	}
	if len(name) > 63 {
		// Only report length when the characters themselves are fine.
		valid := true
		for i := 0; i < len(name); i++ {
			b := name[i]
			if !(b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')) {
				valid = false
				break
			}
		}
		if valid {
			return ErrSavepointNameTooLong
		}
	}
	return ErrSavepointNameInvalid
}

package pool

import (
	"context"

	"github.com/finchdb/pgfinch"
	"github.com/jackc/puddle"
)

// Conn is an acquired *pgfinch.Conn from a Pool.
type Conn struct {
	res *puddle.Resource
	p   *Pool
}

// Release returns c to the pool it was acquired from. Once Release has
// been called, other methods must not be called. However, it is safe to
// call Release multiple times. Subsequent calls after the first will be
// ignored.
func (c *Conn) Release() {
	if c.res == nil {
		return
	}

	conn := c.Conn()
	res := c.res
	c.res = nil

	if c.p.config.AfterRelease != nil && !c.p.config.AfterRelease(conn) {
		res.Destroy()
		return
	}

	// A connection mid-transaction cannot be handed to the next caller.
	if !conn.IsConnected() || conn.TxStatus() != 0 && conn.TxStatus() != 'I' {
		res.Destroy()
		return
	}

	res.Release()
}

// Conn returns the underlying *pgfinch.Conn.
func (c *Conn) Conn() *pgfinch.Conn {
	return c.res.Value().(*pgfinch.Conn)
}

func (c *Conn) Query(ctx context.Context, sql string, args ...interface{}) (*pgfinch.Result, error) {
	return c.Conn().Query(ctx, sql, args...)
}

func (c *Conn) QueryRowMaps(ctx context.Context, sql string, args ...interface{}) ([]map[string]interface{}, error) {
	return c.Conn().QueryRowMaps(ctx, sql, args...)
}

func (c *Conn) Exec(ctx context.Context, sql string, args ...interface{}) (pgfinch.CommandTag, error) {
	return c.Conn().Exec(ctx, sql, args...)
}

func (c *Conn) Begin(ctx context.Context) (*pgfinch.Tx, error) {
	return c.Conn().Begin(ctx)
}

func (c *Conn) BeginTx(ctx context.Context, name string, options pgfinch.TxOptions) (*pgfinch.Tx, error) {
	return c.Conn().BeginTx(ctx, name, options)
}

// Package tx carries a unit of work through context. Postgres stores pick up
// the *sql.Tx placed by the postgres runner; in-memory stores register undo
// steps on a Journal placed by MemoryRunner.
package tx

import (
	"context"
	"database/sql"
)

type sqlTxKey struct{}

// WithTx returns ctx carrying sqlTx. A nil transaction leaves ctx unchanged.
func WithTx(ctx context.Context, sqlTx *sql.Tx) context.Context {
	if sqlTx == nil {
		return ctx
	}
	return context.WithValue(ctx, sqlTxKey{}, sqlTx)
}

// From returns the transaction carried by ctx.
func From(ctx context.Context) (*sql.Tx, bool) {
	sqlTx, ok := ctx.Value(sqlTxKey{}).(*sql.Tx)
	return sqlTx, ok && sqlTx != nil
}

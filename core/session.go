package core

import (
	"context"
	"database/sql/driver"
	"time"

	"github.com/uptrace/bun"
)

// runInSession pins one connection, lets the dialect prepare it for DDL and
// runs fn in a single transaction on it. A connection whose session could
// not be restored is discarded instead of going back to the pool.
func runInSession(ctx context.Context, db *bun.DB, dialect Dialect, obs observer, fn func(ctx context.Context, tx bun.Tx) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return classifyStepError(dialect, "acquire connection", err)
	}
	defer conn.Close()

	release, err := dialect.PrepareSession(ctx, conn)
	if err != nil {
		return classifyStepError(dialect, "prepare session", err)
	}
	defer func() {
		if release == nil {
			return
		}
		if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
			obs.logWarn(ctx, "session restore failed; discarding connection", map[string]any{"error": releaseErr.Error()})
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
	}()

	return conn.RunInTx(ctx, nil, fn)
}

// lockTables takes the exclusive locks for a run under the lock deadline.
func lockTables(ctx context.Context, tx bun.Tx, dialect Dialect, timeouts SessionTimeouts, tables ...string) error {
	return withDeadline(ctx, timeouts.Lock, func(ctx context.Context) error {
		for _, table := range tables {
			if err := dialect.LockTable(ctx, tx, table, timeouts); err != nil {
				return classifyStepError(dialect, "lock "+table, err)
			}
		}
		return nil
	})
}

func withDeadline(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(stepCtx)
}

func sessionTimeouts(cfg Config) SessionTimeouts {
	return SessionTimeouts{
		Lock:      cfg.Timeouts.LockTimeout(),
		Statement: cfg.Timeouts.StatementTimeout(),
		Idle:      cfg.Timeouts.IdleTimeout(),
	}
}

// finishContext detaches ledger writes from a run context that may already
// be past its deadline.
func finishContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// dependentEdges drops edges owned by tables the engine manages itself.
func dependentEdges(edges []DependencyEdge, managed ...string) []DependencyEdge {
	out := make([]DependencyEdge, 0, len(edges))
	for _, edge := range edges {
		if containsFold(managed, edge.Table) {
			continue
		}
		out = append(out, edge)
	}
	return out
}

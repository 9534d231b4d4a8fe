// Package db routes queries between a primary Postgres and an optional
// read replica.
//
// Writes always go to the primary. Reads go to whichever target the probe
// loop last selected. The selection is a single atomically swapped pointer,
// so query paths never take a lock.
package db

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is the subset of *pgxpool.Pool the router needs.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type Target string

const (
	TargetPrimary Target = "primary"
	TargetReplica Target = "replica"
)

// RouteState is the process-wide read routing decision.
type RouteState struct {
	Active       Target
	UsingReplica bool
	ChangedAt    time.Time
}

type route struct {
	state RouteState
	conn  Conn
}

// ErrNoReplica is returned by Failover when no replica is configured.
var ErrNoReplica = errors.New("no replica configured")

const probeTimeout = 5 * time.Second

// Router is safe for concurrent use.
type Router struct {
	primary Conn
	replica Conn
	active  atomic.Pointer[route]
	logger  *slog.Logger
}

// NewRouter builds a router that reads from the primary. replica may be nil.
func NewRouter(primary, replica Conn, logger *slog.Logger) *Router {
	r := &Router{primary: primary, replica: replica, logger: logger}
	r.active.Store(&route{
		state: RouteState{Active: TargetPrimary, ChangedAt: time.Now()},
		conn:  primary,
	})
	return r
}

// State returns the current read routing.
func (r *Router) State() RouteState {
	return r.active.Load().state
}

// HasReplica reports whether a replica is configured.
func (r *Router) HasReplica() bool { return r.replica != nil }

// Query runs a read on the active target.
func (r *Router) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return r.active.Load().conn.Query(ctx, sql, args...)
}

// QueryRow runs a single-row read on the active target.
func (r *Router) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return r.active.Load().conn.QueryRow(ctx, sql, args...)
}

// Exec runs a write on the primary, whatever the read routing is.
func (r *Router) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return r.primary.Exec(ctx, sql, args...)
}

// WriteRow runs a write with a RETURNING clause on the primary.
func (r *Router) WriteRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return r.primary.QueryRow(ctx, sql, args...)
}

// WriteQuery runs a multi-row write with a RETURNING clause on the primary.
func (r *Router) WriteQuery(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return r.primary.Query(ctx, sql, args...)
}

// Failover points reads at the replica.
func (r *Router) Failover() error {
	if r.replica == nil {
		return ErrNoReplica
	}
	r.active.Store(&route{
		state: RouteState{Active: TargetReplica, UsingReplica: true, ChangedAt: time.Now()},
		conn:  r.replica,
	})
	return nil
}

// Failback points reads at the primary again.
func (r *Router) Failback() {
	r.active.Store(&route{
		state: RouteState{Active: TargetPrimary, ChangedAt: time.Now()},
		conn:  r.primary,
	})
}

// Close closes both pools.
func (r *Router) Close() {
	r.primary.Close()
	if r.replica != nil {
		r.replica.Close()
	}
}

// RunProbe checks primary reachability every interval until ctx is
// canceled. It is the only writer of the routing state after startup.
func (r *Router) RunProbe(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Probe(ctx)
		}
	}
}

// Probe runs one health check and flips routing when the primary's
// reachability changed.
func (r *Router) Probe(ctx context.Context) {
	primaryErr := ping(ctx, r.primary)
	state := r.State()

	switch {
	case primaryErr != nil && !state.UsingReplica:
		if r.replica == nil {
			r.logger.Error("primary unreachable and no replica configured", "err", primaryErr)
			return
		}
		if err := ping(ctx, r.replica); err != nil {
			r.logger.Error("primary and replica unreachable; keeping primary route",
				"primary_err", primaryErr, "replica_err", err)
			return
		}
		_ = r.Failover()
		r.logger.Warn("primary unreachable; reads failed over to replica", "err", primaryErr)

	case primaryErr == nil && state.UsingReplica:
		r.Failback()
		r.logger.Info("primary recovered; reads failed back to primary",
			"failed_over_for", time.Since(state.ChangedAt).Round(time.Second))

	case primaryErr != nil:
		r.logger.Warn("primary still unreachable; serving reads from replica", "err", primaryErr)
	}
}

func ping(ctx context.Context, c Conn) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return c.Ping(ctx)
}

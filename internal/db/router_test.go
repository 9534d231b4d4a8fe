package db

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("dial tcp: connection refused")

// fakeConn answers reads with its own name and counts writes.
type fakeConn struct {
	name   string
	down   atomic.Bool
	pings  atomic.Int32
	writes atomic.Int32
	closed atomic.Bool
}

type fakeRow struct {
	val string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.val
	return nil
}

func (c *fakeConn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	if c.down.Load() {
		return pgconn.CommandTag{}, errUnreachable
	}
	c.writes.Add(1)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (c *fakeConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	if c.down.Load() {
		return nil, errUnreachable
	}
	return nil, nil
}

func (c *fakeConn) QueryRow(context.Context, string, ...any) pgx.Row {
	if c.down.Load() {
		return fakeRow{err: errUnreachable}
	}
	return fakeRow{val: c.name}
}

func (c *fakeConn) Ping(context.Context) error {
	c.pings.Add(1)
	if c.down.Load() {
		return errUnreachable
	}
	return nil
}

func (c *fakeConn) Close() { c.closed.Store(true) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readFrom(t *testing.T, r *Router) string {
	t.Helper()
	var got string
	require.NoError(t, r.QueryRow(context.Background(), "SELECT 1").Scan(&got))
	return got
}

func TestRouterReadsPrimaryByDefault(t *testing.T) {
	primary, replica := &fakeConn{name: "primary"}, &fakeConn{name: "replica"}
	r := NewRouter(primary, replica, discardLogger())

	assert.Equal(t, "primary", readFrom(t, r))
	assert.Equal(t, TargetPrimary, r.State().Active)
	assert.False(t, r.State().UsingReplica)
}

func TestProbeFailsOverAndBack(t *testing.T) {
	ctx := context.Background()
	primary, replica := &fakeConn{name: "primary"}, &fakeConn{name: "replica"}
	r := NewRouter(primary, replica, discardLogger())

	primary.down.Store(true)
	r.Probe(ctx)

	assert.True(t, r.State().UsingReplica)
	assert.Equal(t, TargetReplica, r.State().Active)
	assert.Equal(t, "replica", readFrom(t, r), "reads must be served by the replica without error")

	// Writes never go to the replica, even while failed over.
	_, err := r.Exec(ctx, "INSERT INTO seen_listings VALUES ($1)", 1)
	require.ErrorIs(t, err, errUnreachable)
	assert.Zero(t, replica.writes.Load())

	primary.down.Store(false)
	r.Probe(ctx)

	assert.False(t, r.State().UsingReplica)
	assert.Equal(t, "primary", readFrom(t, r))

	_, err = r.Exec(ctx, "INSERT INTO seen_listings VALUES ($1)", 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), primary.writes.Load())
}

func TestProbeKeepsPrimaryWhenReplicaAlsoDown(t *testing.T) {
	primary, replica := &fakeConn{name: "primary"}, &fakeConn{name: "replica"}
	primary.down.Store(true)
	replica.down.Store(true)
	r := NewRouter(primary, replica, discardLogger())

	r.Probe(context.Background())
	assert.False(t, r.State().UsingReplica)
}

func TestProbeWithoutReplica(t *testing.T) {
	primary := &fakeConn{name: "primary"}
	primary.down.Store(true)
	r := NewRouter(primary, nil, discardLogger())

	r.Probe(context.Background())
	assert.False(t, r.State().UsingReplica)
	assert.ErrorIs(t, r.Failover(), ErrNoReplica)
}

func TestWriteRowAlwaysPrimary(t *testing.T) {
	primary, replica := &fakeConn{name: "primary"}, &fakeConn{name: "replica"}
	r := NewRouter(primary, replica, discardLogger())
	require.NoError(t, r.Failover())

	var got string
	require.NoError(t, r.WriteRow(context.Background(), "UPDATE jobs SET ... RETURNING id").Scan(&got))
	assert.Equal(t, "primary", got)
}

func dialer(conns map[string]*fakeConn) DialFunc {
	return func(_ context.Context, url string) (Conn, error) {
		c, ok := conns[url]
		if !ok {
			return nil, errors.New("unknown url")
		}
		return c, nil
	}
}

func TestConnectPrimaryHealthy(t *testing.T) {
	primary, replica := &fakeConn{name: "primary"}, &fakeConn{name: "replica"}

	r, err := Connect(context.Background(), Options{
		PrimaryURL:      "p",
		ReplicaURL:      "r",
		StartupAttempts: 3,
		StartupBackoff:  time.Millisecond,
		Dial:            dialer(map[string]*fakeConn{"p": primary, "r": replica}),
	}, discardLogger())
	require.NoError(t, err)

	assert.False(t, r.State().UsingReplica)
	assert.Equal(t, int32(1), primary.pings.Load())
}

func TestConnectStartsFailedOver(t *testing.T) {
	primary, replica := &fakeConn{name: "primary"}, &fakeConn{name: "replica"}
	primary.down.Store(true)

	r, err := Connect(context.Background(), Options{
		PrimaryURL:      "p",
		ReplicaURL:      "r",
		StartupAttempts: 3,
		StartupBackoff:  time.Millisecond,
		Dial:            dialer(map[string]*fakeConn{"p": primary, "r": replica}),
	}, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, int32(3), primary.pings.Load(), "primary gets the full retry budget first")
	assert.True(t, r.State().UsingReplica)
	assert.Equal(t, "replica", readFrom(t, r))
}

func TestConnectFailsWhenNothingReachable(t *testing.T) {
	primary, replica := &fakeConn{name: "primary"}, &fakeConn{name: "replica"}
	primary.down.Store(true)
	replica.down.Store(true)

	_, err := Connect(context.Background(), Options{
		PrimaryURL:      "p",
		ReplicaURL:      "r",
		StartupAttempts: 2,
		StartupBackoff:  time.Millisecond,
		Dial:            dialer(map[string]*fakeConn{"p": primary, "r": replica}),
	}, discardLogger())
	require.Error(t, err)
	assert.True(t, primary.closed.Load())
	assert.True(t, replica.closed.Load())
}

func TestConnectFailsWithoutReplica(t *testing.T) {
	primary := &fakeConn{name: "primary"}
	primary.down.Store(true)

	_, err := Connect(context.Background(), Options{
		PrimaryURL:      "p",
		StartupAttempts: 2,
		StartupBackoff:  time.Millisecond,
		Dial:            dialer(map[string]*fakeConn{"p": primary}),
	}, discardLogger())
	require.ErrorIs(t, err, errUnreachable)
}

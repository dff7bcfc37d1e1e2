package client

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gridsync/game"
	"gridsync/protocol"
	"gridsync/server"
	"gridsync/session"
	"gridsync/transport"
	"gridsync/update"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBackend 在进程内 broker 上启动注册表与 RPC 服务
func newBackend(t *testing.T) (*transport.MemoryBroker, *session.Registry) {
	t.Helper()
	broker := transport.NewMemoryBroker()
	reg := session.NewRegistry(session.WithPublisherFactory(
		func(ctx context.Context, id string) (session.Publisher, error) {
			return update.NewPublisher(ctx, broker, id)
		}))
	rpc := server.NewRPCServer(reg, broker, protocol.DefaultQueue)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rpc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		reg.Close()
		_ = broker.Close()
	})
	return broker, reg
}

func newClient(t *testing.T, broker *transport.MemoryBroker, nickname string) *Client {
	t.Helper()
	c := New(broker, WithTimeout(time.Second))
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	if nickname != "" {
		require.NoError(t, c.SetNickname(ctx, nickname))
	}
	return c
}

func TestUpdateScenario(t *testing.T) {
	broker, _ := newBackend(t)
	ctx := context.Background()
	alice := newClient(t, broker, "alice")

	_, err := alice.CreateSession(ctx, "puzzle1", 2)
	require.NoError(t, err)

	e, out, err := alice.Update(ctx, 0, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, game.Applied, out)
	assert.Equal(t, "alice", e.Player)
	snap, ok := alice.Session()
	require.True(t, ok)
	assert.Equal(t, 5, snap.Grid[0][0].Value)
	score, _ := alice.Score()
	assert.Equal(t, 1, score)

	_, out, err = alice.Update(ctx, 0, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, game.Unchanged, out)
	score, _ = alice.Score()
	assert.Equal(t, 1, score)

	_, _, err = alice.Update(ctx, 0, 0, 7)
	assert.True(t, errors.Is(err, game.ErrConflict))

	_, _, err = alice.Update(ctx, 10, 10, 3)
	assert.True(t, errors.Is(err, game.ErrInvalidArgument))
}

func TestCreateJoinRoundTrip(t *testing.T) {
	broker, _ := newBackend(t)
	ctx := context.Background()
	alice := newClient(t, broker, "alice")
	bob := newClient(t, broker, "bob")

	id, err := alice.CreateSession(ctx, "abc", 4)
	require.NoError(t, err)
	snap, err := bob.JoinSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.MaxPlayers)
	_, ok := snap.Player("bob")
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		s, _ := alice.Session()
		_, ok := s.Player("bob")
		return ok
	}, time.Second, 5*time.Millisecond, "creator sees the join broadcast")
}

func TestJoinFailures(t *testing.T) {
	broker, _ := newBackend(t)
	ctx := context.Background()
	alice := newClient(t, broker, "alice")
	bob := newClient(t, broker, "bob")

	id, err := alice.CreateSession(ctx, "solo", 1)
	require.NoError(t, err)

	_, err = bob.JoinSession(ctx, id)
	assert.True(t, errors.Is(err, session.ErrSessionFull))
	assert.Equal(t, protocol.CodeSessionFull, protocol.CodeOf(err))
	_, ok := bob.Session()
	assert.False(t, ok)

	_, err = bob.JoinSession(ctx, "no-such-session")
	assert.True(t, errors.Is(err, session.ErrSessionNotFound))

	_, _, err = bob.Update(ctx, 0, 0, 1)
	assert.True(t, errors.Is(err, protocol.ErrNotInSession))
	_, err = bob.Resync(ctx)
	assert.True(t, errors.Is(err, protocol.ErrNotInSession))
}

func TestBroadcastConvergence(t *testing.T) {
	broker, _ := newBackend(t)
	ctx := context.Background()
	alice := newClient(t, broker, "alice")
	bob := newClient(t, broker, "bob")

	id, err := alice.CreateSession(ctx, "converge", 2)
	require.NoError(t, err)
	_, err = bob.JoinSession(ctx, id)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err := alice.Update(ctx, i, i, i+1)
		require.NoError(t, err)
	}
	_, _, err = bob.Update(ctx, 8, 8, 9)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, _ := alice.Session()
		b, _ := bob.Session()
		pa, _ := b.Player("alice")
		pb, _ := a.Player("bob")
		return assert.ObjectsAreEqual(a.Grid, b.Grid) && pa.Score == 3 && pb.Score == 1
	}, time.Second, 5*time.Millisecond)

	// 副本与服务端一致
	authoritative, err := alice.Resync(ctx)
	require.NoError(t, err)
	mine, _ := bob.Session()
	assert.Equal(t, authoritative.Grid, mine.Grid)
}

func TestConcurrentWritersOneWins(t *testing.T) {
	broker, _ := newBackend(t)
	ctx := context.Background()
	alice := newClient(t, broker, "alice")
	bob := newClient(t, broker, "bob")

	id, err := alice.CreateSession(ctx, "race", 2)
	require.NoError(t, err)
	_, err = bob.JoinSession(ctx, id)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []*Client{alice, bob} {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			_, _, errs[i] = c.Update(ctx, 4, 4, i+1)
		}(i, c)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, game.ErrConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	require.Eventually(t, func() bool {
		a, _ := alice.Session()
		b, _ := bob.Session()
		return a.Grid[4][4].Set() && a.Grid[4][4] == b.Grid[4][4]
	}, time.Second, 5*time.Millisecond)
}

func TestLeaveStopsBroadcasts(t *testing.T) {
	broker, reg := newBackend(t)
	ctx := context.Background()
	alice := newClient(t, broker, "alice")
	bob := newClient(t, broker, "bob")

	id, err := alice.CreateSession(ctx, "leave", 2)
	require.NoError(t, err)
	_, err = bob.JoinSession(ctx, id)
	require.NoError(t, err)
	exchange := update.ExchangeName(id)
	require.Equal(t, 2, broker.Subscribers(exchange))

	require.NoError(t, bob.LeaveSession(ctx))
	_, ok := bob.Session()
	assert.False(t, ok)
	assert.Equal(t, 1, broker.Subscribers(exchange), "leave releases the broadcast subscription")
	require.NoError(t, bob.LeaveSession(ctx), "leaving twice is a no-op")

	sess, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Len())
	require.Eventually(t, func() bool {
		s, _ := alice.Session()
		_, ok := s.Player("bob")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestSwitchSessions(t *testing.T) {
	broker, reg := newBackend(t)
	ctx := context.Background()
	alice := newClient(t, broker, "alice")

	first, err := alice.CreateSession(ctx, "first", 2)
	require.NoError(t, err)
	second, err := alice.CreateSession(ctx, "second", 2)
	require.NoError(t, err)

	snap, ok := alice.Session()
	require.True(t, ok)
	assert.Equal(t, second, snap.ID)
	s1, err := reg.Get(first)
	require.NoError(t, err)
	assert.Equal(t, 0, s1.Len())

	list, err := alice.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].Name)
	assert.Empty(t, list[0].Members)
}

func TestCallTimeoutIsUnavailable(t *testing.T) {
	broker := transport.NewMemoryBroker()
	defer broker.Close()
	c := New(broker, WithTimeout(30*time.Millisecond), WithQueue("nobody-home"))

	err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, transport.ErrUnavailable))
	assert.Equal(t, protocol.CodeTransportUnavailable, protocol.CodeOf(err))
}

func TestDefaultNickname(t *testing.T) {
	broker, _ := newBackend(t)
	c := New(broker, WithClientID("0123456789abcdef"))
	defer c.Close()
	assert.Equal(t, "player-01234567", c.Nickname())

	_, err := c.CreateSession(context.Background(), "anon", 2)
	require.NoError(t, err)
	snap, _ := c.Session()
	p, ok := snap.Player("player-01234567")
	require.True(t, ok)
	assert.Equal(t, "0123456789abcdef", p.Addr)
}

// flakySubscribe 在 fail 置位后拒绝所有订阅
type flakySubscribe struct {
	transport.Conn
	fail atomic.Bool
}

func (c *flakySubscribe) Subscribe(ctx context.Context, exchange string) (transport.Subscription, error) {
	if c.fail.Load() {
		return nil, errors.Wrap(transport.ErrUnavailable, exchange)
	}
	return c.Conn.Subscribe(ctx, exchange)
}

func TestCreateSubscribeFailureLeavesSession(t *testing.T) {
	broker, reg := newBackend(t)
	ctx := context.Background()
	conn := &flakySubscribe{Conn: broker}
	alice := New(conn, WithTimeout(time.Second))
	defer alice.Close()

	first, err := alice.CreateSession(ctx, "first", 2)
	require.NoError(t, err)

	conn.fail.Store(true)
	_, err = alice.CreateSession(ctx, "second", 2)
	require.True(t, errors.Is(err, transport.ErrUnavailable))

	// 本地与服务端都不再处于任何会话
	_, ok := alice.Session()
	assert.False(t, ok)
	assert.Equal(t, 0, broker.Subscribers(update.ExchangeName(first)))
	for _, s := range reg.List() {
		assert.Empty(t, s.Members, s.Name)
	}
	_, err = alice.Resync(ctx)
	assert.True(t, errors.Is(err, protocol.ErrNotInSession))
}

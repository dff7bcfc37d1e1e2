package update

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"gridsync/transport"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	published int64
	dropped   int64
}

func (c *counter) RecordPublished() { atomic.AddInt64(&c.published, 1) }
func (c *counter) RecordDropped()   { atomic.AddInt64(&c.dropped, 1) }

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
	return Event{}
}

func TestDecodeRejects(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)

	_, err = Decode([]byte(`{"v":2,"kind":"cell"}`))
	require.True(t, errors.Is(err, ErrUnsupportedVersion))

	_, err = Decode([]byte(`{"v":1,"kind":"explode"}`))
	require.Error(t, err)

	b, err := Encode(Event{SessionID: "s", Seq: 3, Kind: KindCell, Player: "a", Row: 1, Col: 2, Value: 3, Score: 1})
	require.NoError(t, err)
	e, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, Version, e.V)
}

func TestPublishOrderAndShutdown(t *testing.T) {
	ctx := context.Background()
	b := transport.NewMemoryBroker()
	defer b.Close()
	rec := &counter{}

	pub, err := NewPublisher(ctx, b, "s1", WithRecorder(rec))
	require.NoError(t, err)

	sub := NewSubscriber(b, "s1", nil)
	events, err := sub.Start(ctx)
	require.NoError(t, err)

	for i := 1; i <= 20; i++ {
		pub.Publish(Event{SessionID: "s1", Seq: uint64(i), Kind: KindCell, Player: "p", Value: 1})
	}
	for i := 1; i <= 20; i++ {
		assert.Equal(t, uint64(i), recv(t, events).Seq)
	}

	pub.Shutdown()
	pub.Shutdown()
	assert.Equal(t, int64(20), atomic.LoadInt64(&rec.published))

	// 通道删除后订阅结束
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not observe exchange deletion")
	}
	sub.Stop()

	// 关闭后发布是空操作
	pub.Publish(Event{SessionID: "s1", Seq: 21, Kind: KindCell})
}

func TestSubscriberDropsMalformed(t *testing.T) {
	ctx := context.Background()
	b := transport.NewMemoryBroker()
	defer b.Close()
	ex := ExchangeName("s1")
	require.NoError(t, b.DeclareBroadcast(ctx, ex))

	sub := NewSubscriber(b, "s1", nil)
	events, err := sub.Start(ctx)
	require.NoError(t, err)
	defer sub.Stop()

	require.NoError(t, b.Publish(ctx, ex, []byte("garbage")))
	other, err := Encode(Event{SessionID: "s2", Seq: 1, Kind: KindCell})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, ex, other))
	good, err := Encode(Event{SessionID: "s1", Seq: 7, Kind: KindJoin, Player: "bob"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, ex, good))

	e := recv(t, events)
	assert.Equal(t, uint64(7), e.Seq)
	assert.Equal(t, "bob", e.Player)
}

func TestSubscriberUnknownSession(t *testing.T) {
	b := transport.NewMemoryBroker()
	defer b.Close()
	sub := NewSubscriber(b, "missing", nil)
	_, err := sub.Start(context.Background())
	require.True(t, errors.Is(err, transport.ErrExchangeNotFound))
	sub.Stop()
}

func TestStopDoesNotBlockWithUnreadEvents(t *testing.T) {
	ctx := context.Background()
	b := transport.NewMemoryBroker()
	defer b.Close()
	pub, err := NewPublisher(ctx, b, "s1")
	require.NoError(t, err)
	defer pub.Shutdown()

	sub := NewSubscriber(b, "s1", nil)
	_, err = sub.Start(ctx)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		pub.Publish(Event{SessionID: "s1", Seq: uint64(i + 1), Kind: KindCell})
	}

	stopped := make(chan struct{})
	go func() {
		sub.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked")
	}
}

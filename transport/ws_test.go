package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHub(t *testing.T) (*MemoryBroker, string) {
	t.Helper()
	b := NewMemoryBroker()
	hub := NewHub(b, nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		_ = b.Close()
	})
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *WSConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := DialWS(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestWSRequestReply(t *testing.T) {
	b, url := newHub(t)
	serve(t, b, "rpc", echo)
	c := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rsp, err := c.Request(ctx, "rpc", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", string(rsp))
}

func TestWSSubscribe(t *testing.T) {
	ctx := context.Background()
	b, url := newHub(t)
	require.NoError(t, b.DeclareBroadcast(ctx, "session.x"))
	c := dial(t, url)

	sub, err := c.Subscribe(ctx, "session.x")
	require.NoError(t, err)

	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, b.Publish(ctx, "session.x", []byte(m)))
	}
	var got []string
	for i := 0; i < 3; i++ {
		select {
		case body := <-sub.C():
			got = append(got, string(body))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)

	// 删除通道后订阅结束
	require.NoError(t, b.DeleteBroadcast(ctx, "session.x"))
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after exchange delete")
	}
}

func TestWSSubscribeUnknownExchange(t *testing.T) {
	_, url := newHub(t)
	c := dial(t, url)
	_, err := c.Subscribe(context.Background(), "nope")
	require.True(t, errors.Is(err, ErrExchangeNotFound))
}

func TestWSDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := DialWS(ctx, "ws://127.0.0.1:1/ws", nil)
	require.True(t, errors.Is(err, ErrUnavailable))
}

func TestWSRequestAfterClose(t *testing.T) {
	b, url := newHub(t)
	serve(t, b, "rpc", echo)
	c := dial(t, url)
	require.NoError(t, c.Close())

	_, err := c.Request(context.Background(), "rpc", []byte("x"))
	require.True(t, errors.Is(err, ErrUnavailable))
}

// 广播塞满发送队列时，请求的回复仍然送达
func TestWSReplySurvivesFullSendQueue(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	serve(t, b, "rpc", echo)
	hub := NewHub(b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &peer{hub: hub, addr: "test", send: make(chan []byte, 1), subs: make(map[string]Subscription), ctx: ctx, cancel: cancel}

	p.offer(frame{Op: opDeliver, ID: "s1", Body: []byte("first")})
	p.offer(frame{Op: opDeliver, ID: "s1", Body: []byte("dropped")})
	require.Len(t, p.send, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.request(frame{Op: opRequest, ID: "r1", Queue: "rpc", Body: []byte("x")})
	}()

	var got []frame
	for len(got) < 2 {
		select {
		case msg := <-p.send:
			var f frame
			require.NoError(t, json.Unmarshal(msg, &f))
			got = append(got, f)
		case <-time.After(time.Second):
			t.Fatalf("reply not delivered, got %d frames", len(got))
		}
	}
	<-done
	assert.Equal(t, opDeliver, got[0].Op)
	assert.Equal(t, "first", string(got[0].Body))
	assert.Equal(t, opReply, got[1].Op)
	assert.Equal(t, "r1", got[1].ID)
	assert.Equal(t, "echo:x", string(got[1].Body))
}

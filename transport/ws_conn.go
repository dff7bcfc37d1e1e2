package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// WSConn 连接到 Hub 的客户端，实现 Conn
type WSConn struct {
	ws  *websocket.Conn
	log *zap.SugaredLogger

	wmu sync.Mutex // gorilla 只允许一个并发写者

	mu      sync.Mutex
	pending map[string]chan frame
	subs    map[string]*wsSubscription

	done      chan struct{}
	closeOnce sync.Once
}

// DialWS 连接 Hub，例如 ws://localhost:8080/ws
func DialWS(ctx context.Context, url string, log *zap.SugaredLogger) (*WSConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "dial %s: %v", url, err)
	}
	c := &WSConn{
		ws:      ws,
		log:     orNop(log),
		pending: make(map[string]chan frame),
		subs:    make(map[string]*wsSubscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSConn) write(f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encode frame failed")
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return errors.Wrapf(ErrUnavailable, "write frame: %v", err)
	}
	return nil
}

// call 发送一帧并等待同 id 的应答帧
func (c *WSConn) call(ctx context.Context, f frame) (frame, error) {
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[f.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return frame{}, err
	}
	select {
	case rsp := <-ch:
		if rsp.Op == opError {
			return rsp, errors.New(rsp.Error)
		}
		return rsp, nil
	case <-ctx.Done():
		return frame{}, errors.Wrapf(ErrUnavailable, "%s: %v", f.Op, ctx.Err())
	case <-c.done:
		return frame{}, errors.Wrapf(ErrUnavailable, "%s: connection closed", f.Op)
	}
}

func (c *WSConn) Request(ctx context.Context, dest string, body []byte) ([]byte, error) {
	rsp, err := c.call(ctx, frame{Op: opRequest, ID: ulid.Make().String(), Queue: dest, Body: body})
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		// Hub 侧的请求失败同样意味着代理不可用
		return nil, errors.Wrapf(ErrUnavailable, "request %s: %v", dest, err)
	}
	return rsp.Body, nil
}

func (c *WSConn) Subscribe(ctx context.Context, exchange string) (Subscription, error) {
	id := ulid.Make().String()
	sub := &wsSubscription{conn: c, id: id, ch: make(chan []byte, defaultSubBuffer)}
	// 先登记订阅，避免 subscribed 之后紧跟的消息丢失
	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()

	if _, err := c.call(ctx, frame{Op: opSubscribe, ID: id, Exchange: exchange}); err != nil {
		c.dropSub(id)
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, errors.Wrapf(ErrExchangeNotFound, "subscribe %s: %v", exchange, err)
	}
	return sub, nil
}

func (c *WSConn) dropSub(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(s.ch)
	}
}

func (c *WSConn) readLoop() {
	defer c.shutdown()
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.log.Warnf("malformed frame from hub: %v", err)
			continue
		}
		switch f.Op {
		case opDeliver:
			c.mu.Lock()
			if s, ok := c.subs[f.ID]; ok {
				select {
				case s.ch <- f.Body:
				default:
					c.log.Warnf("subscription %s buffer full, dropped delivery", f.ID)
				}
			}
			c.mu.Unlock()
		case opClosed:
			c.dropSub(f.ID)
		default:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

func (c *WSConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		c.mu.Lock()
		for id, s := range c.subs {
			delete(c.subs, id)
			close(s.ch)
		}
		c.mu.Unlock()
	})
}

// Close 主动关闭连接，所有订阅随之结束
func (c *WSConn) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.wmu.Unlock()
	c.shutdown()
	return nil
}

type wsSubscription struct {
	conn *WSConn
	id   string
	ch   chan []byte
}

func (s *wsSubscription) C() <-chan []byte { return s.ch }

func (s *wsSubscription) Close() error {
	select {
	case <-s.conn.done:
	default:
		if err := s.conn.write(frame{Op: opUnsubscribe, ID: s.id}); err != nil {
			s.conn.log.Debugf("unsubscribe %s: %v", s.id, err)
		}
	}
	s.conn.dropSub(s.id)
	return nil
}

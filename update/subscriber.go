package update

import (
	"context"
	"sync"

	"gridsync/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Subscriber 客户端侧的会话订阅，在独立协程中接收更新并通过 channel 交给调用方
type Subscriber struct {
	conn      transport.Conn
	sessionID string
	log       *zap.SugaredLogger

	sub    transport.Subscription
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewSubscriber(conn transport.Conn, sessionID string, log *zap.SugaredLogger) *Subscriber {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Subscriber{conn: conn, sessionID: sessionID, log: log}
}

func (s *Subscriber) SessionID() string { return s.sessionID }

// Start 订阅会话广播。返回的 channel 在订阅结束时关闭
func (s *Subscriber) Start(ctx context.Context) (<-chan Event, error) {
	sub, err := s.conn.Subscribe(ctx, ExchangeName(s.sessionID))
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe to session %s failed", s.sessionID)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.sub = sub
	s.cancel = cancel
	s.done = make(chan struct{})
	out := make(chan Event, 64)
	go s.loop(loopCtx, out)
	return out, nil
}

func (s *Subscriber) loop(ctx context.Context, out chan<- Event) {
	defer close(s.done)
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case body, ok := <-s.sub.C():
			if !ok {
				s.log.Infof("subscription to session %s ended", s.sessionID)
				return
			}
			e, err := Decode(body)
			if err != nil {
				s.log.Warnf("dropping update for session %s: %v", s.sessionID, err)
				continue
			}
			if e.SessionID != s.sessionID {
				s.log.Warnf("dropping update for session %s on channel of %s", e.SessionID, s.sessionID)
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stop 取消订阅并等待接收协程退出，可重复调用；未 Start 时为空操作
func (s *Subscriber) Stop() {
	s.once.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		if err := s.sub.Close(); err != nil {
			s.log.Debugf("close subscription: %v", err)
		}
		<-s.done
	})
}

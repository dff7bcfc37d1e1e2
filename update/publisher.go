package update

import (
	"context"
	"sync"
	"time"

	"gridsync/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultQueueSize = 1024
	publishTimeout   = 5 * time.Second
)

// Recorder 接收发布统计
type Recorder interface {
	RecordPublished()
	RecordDropped()
}

// Publisher 绑定一个会话的广播通道。
// Publish 只入队不阻塞，由单个协程按入队顺序发布，保证同一会话的更新按接受顺序发出。
type Publisher struct {
	broker    transport.Broker
	sessionID string
	exchange  string
	log       *zap.SugaredLogger
	recorder  Recorder
	queueSize int

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
	once   sync.Once
}

// PublisherOption 配置 Publisher
type PublisherOption func(*Publisher)

func WithLogger(log *zap.SugaredLogger) PublisherOption {
	return func(p *Publisher) {
		if log != nil {
			p.log = log
		}
	}
}

func WithRecorder(r Recorder) PublisherOption {
	return func(p *Publisher) { p.recorder = r }
}

// WithQueueSize 发布队列长度，满了之后新的更新被丢弃
func WithQueueSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// NewPublisher 声明会话的广播通道并启动发布协程
func NewPublisher(ctx context.Context, broker transport.Broker, sessionID string, opts ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		broker:    broker,
		sessionID: sessionID,
		exchange:  ExchangeName(sessionID),
		log:       zap.NewNop().Sugar(),
		queueSize: defaultQueueSize,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := broker.DeclareBroadcast(ctx, p.exchange); err != nil {
		return nil, errors.Wrapf(err, "declare broadcast for session %s failed", sessionID)
	}
	p.queue = make(chan Event, p.queueSize)
	go p.run()
	return p, nil
}

func (p *Publisher) Exchange() string { return p.exchange }

// Publish 入队一条更新（非阻塞，队列满或已关闭时丢弃）
func (p *Publisher) Publish(e Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- e:
	default:
		p.log.Warnf("session %s publish queue full, dropped update seq=%d", p.sessionID, e.Seq)
		if p.recorder != nil {
			p.recorder.RecordDropped()
		}
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for e := range p.queue {
		b, err := Encode(e)
		if err != nil {
			p.log.Errorf("session %s: %v", p.sessionID, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = p.broker.Publish(ctx, p.exchange, b)
		cancel()
		if err != nil {
			p.log.Warnf("session %s publish seq=%d failed: %v", p.sessionID, e.Seq, err)
			if p.recorder != nil {
				p.recorder.RecordDropped()
			}
			continue
		}
		p.log.Debugf("published update session=%s seq=%d kind=%s", p.sessionID, e.Seq, e.Kind)
		if p.recorder != nil {
			p.recorder.RecordPublished()
		}
	}
}

// Shutdown 发完队列中剩余的更新后删除广播通道，可重复调用
func (p *Publisher) Shutdown() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		<-p.done

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.broker.DeleteBroadcast(ctx, p.exchange); err != nil {
			p.log.Warnf("delete broadcast %s: %v", p.exchange, err)
		}
	})
}

package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

const (
	defaultQueueSize = 256
	defaultSubBuffer = 256
)

type memRequest struct {
	ctx   context.Context
	body  []byte
	reply chan []byte
}

type memExchange struct {
	subs map[*memSubscription]struct{}
}

// MemoryBroker 进程内消息代理：请求队列 + 扇出通道。
// 广播是尽力而为的：订阅者缓冲满时丢弃该条消息，避免慢订阅者拖住发布方。
type MemoryBroker struct {
	mu        sync.RWMutex
	queues    map[string]chan *memRequest
	exchanges map[string]*memExchange
	closed    bool
	done      chan struct{}

	subBuffer int
	dropped   int64
}

// MemoryOption 配置 MemoryBroker
type MemoryOption func(*MemoryBroker)

// WithSubscriberBuffer 设置每个订阅者的缓冲长度
func WithSubscriberBuffer(n int) MemoryOption {
	return func(b *MemoryBroker) {
		if n > 0 {
			b.subBuffer = n
		}
	}
}

func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		queues:    make(map[string]chan *memRequest),
		exchanges: make(map[string]*memExchange),
		done:      make(chan struct{}),
		subBuffer: defaultSubBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dropped 因订阅者缓冲满而丢弃的广播数
func (b *MemoryBroker) Dropped() int64 { return atomic.LoadInt64(&b.dropped) }

// Subscribers 广播通道上当前的订阅数，通道不存在时为 0
func (b *MemoryBroker) Subscribers(exchange string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if ex, ok := b.exchanges[exchange]; ok {
		return len(ex.subs)
	}
	return 0
}

func (b *MemoryBroker) queue(name string) (chan *memRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrUnavailable
	}
	q, ok := b.queues[name]
	if !ok {
		q = make(chan *memRequest, defaultQueueSize)
		b.queues[name] = q
	}
	return q, nil
}

// Request 投递到队列后等待服务端回复；队列可以先于消费者存在
func (b *MemoryBroker) Request(ctx context.Context, dest string, body []byte) ([]byte, error) {
	q, err := b.queue(dest)
	if err != nil {
		return nil, errors.Wrapf(err, "request %s", dest)
	}
	req := &memRequest{ctx: ctx, body: body, reply: make(chan []byte, 1)}
	select {
	case q <- req:
	case <-ctx.Done():
		return nil, errors.Wrapf(ErrUnavailable, "request %s: %v", dest, ctx.Err())
	case <-b.done:
		return nil, errors.Wrapf(ErrUnavailable, "request %s: broker closed", dest)
	}
	select {
	case rsp := <-req.reply:
		return rsp, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ErrUnavailable, "request %s: %v", dest, ctx.Err())
	case <-b.done:
		return nil, errors.Wrapf(ErrUnavailable, "request %s: broker closed", dest)
	}
}

func (b *MemoryBroker) Serve(ctx context.Context, queue string, h Handler) error {
	q, err := b.queue(queue)
	if err != nil {
		return errors.Wrapf(err, "serve %s", queue)
	}
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case req := <-q:
			wg.Add(1)
			go func() {
				defer wg.Done()
				req.reply <- h(req.ctx, req.body)
			}()
		}
	}
}

func (b *MemoryBroker) DeclareBroadcast(_ context.Context, exchange string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	if _, ok := b.exchanges[exchange]; !ok {
		b.exchanges[exchange] = &memExchange{subs: make(map[*memSubscription]struct{})}
	}
	return nil
}

func (b *MemoryBroker) Publish(_ context.Context, exchange string, body []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrUnavailable
	}
	ex, ok := b.exchanges[exchange]
	if !ok {
		return errors.Wrap(ErrExchangeNotFound, exchange)
	}
	for s := range ex.subs {
		select {
		case s.ch <- body:
		default:
			atomic.AddInt64(&b.dropped, 1)
		}
	}
	return nil
}

func (b *MemoryBroker) DeleteBroadcast(_ context.Context, exchange string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchange]
	if !ok {
		return nil
	}
	for s := range ex.subs {
		s.closeLocked()
	}
	delete(b.exchanges, exchange)
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, exchange string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrUnavailable
	}
	ex, ok := b.exchanges[exchange]
	if !ok {
		return nil, errors.Wrap(ErrExchangeNotFound, exchange)
	}
	s := &memSubscription{broker: b, ex: ex, ch: make(chan []byte, b.subBuffer)}
	ex.subs[s] = struct{}{}
	return s, nil
}

// Close 关闭代理：挂起的请求返回 ErrUnavailable，所有订阅结束
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for _, ex := range b.exchanges {
		for s := range ex.subs {
			s.closeLocked()
		}
	}
	b.exchanges = make(map[string]*memExchange)
	return nil
}

type memSubscription struct {
	broker *MemoryBroker
	ex     *memExchange
	ch     chan []byte
	closed bool
}

func (s *memSubscription) C() <-chan []byte { return s.ch }

func (s *memSubscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.closeLocked()
	return nil
}

// closeLocked 调用方需持有 broker 写锁
func (s *memSubscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.ex.subs, s)
	close(s.ch)
}

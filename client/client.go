package client

import (
	"context"
	"strconv"
	"sync"
	"time"

	"gridsync/game"
	"gridsync/protocol"
	"gridsync/session"
	"gridsync/transport"
	"gridsync/update"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultTimeout 单次调用的默认超时
const DefaultTimeout = 5 * time.Second

// Client 游戏客户端：同步 RPC 调用，加上后台接收会话广播维护本地副本
type Client struct {
	conn     transport.Conn
	ownsConn bool
	queue    string
	timeout  time.Duration
	log      *zap.SugaredLogger
	id       string

	// callMu 保证同一时刻只有一个未完成的调用
	callMu sync.Mutex

	mu       sync.Mutex
	nickname string
	sub      *update.Subscriber
	mirror   *mirror
	applied  chan struct{}
}

type Option func(*Client)

func WithQueue(queue string) Option {
	return func(c *Client) {
		if queue != "" {
			c.queue = queue
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClientID 固定客户端 id，便于断线后以同一身份继续
func WithClientID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.id = id
		}
	}
}

// New 基于已有连接创建客户端，连接由调用方负责关闭
func New(conn transport.Conn, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		queue:   protocol.DefaultQueue,
		timeout: DefaultTimeout,
		log:     zap.NewNop().Sugar(),
		id:      uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial 通过 WebSocket 连接服务端的 /ws 入口
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := New(nil, opts...)
	conn, err := transport.DialWS(ctx, url, c.log.Named("ws"))
	if err != nil {
		return nil, err
	}
	c.conn, c.ownsConn = conn, true
	return c, nil
}

// DialAMQP 通过 AMQP broker 连接服务端
func DialAMQP(url string, opts ...Option) (*Client, error) {
	c := New(nil, opts...)
	conn, err := transport.DialAMQP(url, c.log.Named("amqp"))
	if err != nil {
		return nil, err
	}
	c.conn, c.ownsConn = conn, true
	return c, nil
}

func (c *Client) ID() string { return c.id }

// Nickname 当前昵称，未设置时为默认昵称
func (c *Client) Nickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name()
}

func (c *Client) name() string {
	if c.nickname != "" {
		return c.nickname
	}
	return protocol.DefaultNickname(c.id)
}

// call 发送一次请求并等待回复；超时与传输失败都归为 ErrUnavailable
func (c *Client) call(ctx context.Context, cmd protocol.Command, args ...string) (protocol.Response, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := protocol.NewRequest(c.id, cmd, args...)
	body, err := protocol.EncodeRequest(req)
	if err != nil {
		return protocol.Response{}, err
	}
	b, err := c.conn.Request(ctx, c.queue, body)
	if err != nil {
		if !errors.Is(err, transport.ErrUnavailable) {
			err = errors.Wrapf(transport.ErrUnavailable, "%s: %v", cmd, err)
		}
		return protocol.Response{}, err
	}
	rsp, err := protocol.DecodeResponse(b)
	if err != nil {
		return protocol.Response{}, errors.Wrap(protocol.ErrInternal, err.Error())
	}
	if rsp.ID != req.ID {
		return protocol.Response{}, errors.Wrapf(protocol.ErrInternal, "%s: reply id %s does not match request %s", cmd, rsp.ID, req.ID)
	}
	if err := rsp.Err(); err != nil {
		return rsp, err
	}
	return rsp, nil
}

// Connect 检查服务端是否可达
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.call(ctx, protocol.CmdConnect)
	return err
}

func (c *Client) SetNickname(ctx context.Context, nickname string) error {
	if _, err := c.call(ctx, protocol.CmdSetNickname, nickname); err != nil {
		return err
	}
	c.mu.Lock()
	c.nickname = nickname
	c.mu.Unlock()
	return nil
}

func (c *Client) ListSessions(ctx context.Context) ([]session.Summary, error) {
	rsp, err := c.call(ctx, protocol.CmdListSessions)
	if err != nil {
		return nil, err
	}
	var res protocol.ListResult
	if err := rsp.Decode(&res); err != nil {
		return nil, err
	}
	return res.Sessions, nil
}

// CreateSession 创建会话，创建者自动加入并开始接收广播
func (c *Client) CreateSession(ctx context.Context, name string, maxPlayers int) (string, error) {
	rsp, err := c.call(ctx, protocol.CmdCreateSession, name, strconv.Itoa(maxPlayers))
	if err != nil {
		return "", err
	}
	var res protocol.CreateResult
	if err := rsp.Decode(&res); err != nil {
		c.abandon(ctx)
		return "", err
	}

	sub := update.NewSubscriber(c.conn, res.ID, c.log.Named("subscriber"))
	events, err := sub.Start(ctx)
	if err != nil {
		c.abandon(ctx)
		return "", err
	}
	// 订阅建立前的广播可能已经错过，重新取一次快照作为基线
	snap := res.Session
	if rsp, err := c.call(ctx, protocol.CmdResyncSession); err == nil {
		if derr := rsp.Decode(&snap); derr != nil {
			c.log.Warnf("decode resync snapshot for %s: %v", res.ID, derr)
			snap = res.Session
		}
	} else {
		c.log.Warnf("resync after create %s failed, using creation snapshot: %v", res.ID, err)
	}
	c.attach(sub, events, snap)
	return res.ID, nil
}

// JoinSession 先订阅广播再加入，保证加入后的更新不会遗漏；失败时保留原会话
func (c *Client) JoinSession(ctx context.Context, id string) (session.Snapshot, error) {
	sub := update.NewSubscriber(c.conn, id, c.log.Named("subscriber"))
	events, err := sub.Start(ctx)
	if errors.Is(err, transport.ErrExchangeNotFound) {
		return session.Snapshot{}, errors.Wrap(session.ErrSessionNotFound, id)
	}
	if err != nil {
		return session.Snapshot{}, err
	}
	rsp, err := c.call(ctx, protocol.CmdJoinSession, id)
	if err != nil {
		sub.Stop()
		return session.Snapshot{}, err
	}
	var snap session.Snapshot
	if err := rsp.Decode(&snap); err != nil {
		sub.Stop()
		return session.Snapshot{}, err
	}
	c.attach(sub, events, snap)
	return snap, nil
}

// LeaveSession 离开当前会话；不在会话中时为空操作
func (c *Client) LeaveSession(ctx context.Context) error {
	if _, err := c.call(ctx, protocol.CmdLeaveSession); err != nil {
		return err
	}
	c.detach()
	return nil
}

// Update 写入一个格子。成功时立即合并到本地副本，返回服务端的事件与结果
func (c *Client) Update(ctx context.Context, row, col, value int) (update.Event, game.Outcome, error) {
	c.mu.Lock()
	m := c.mirror
	c.mu.Unlock()
	if m == nil {
		return update.Event{}, 0, errors.Wrap(protocol.ErrNotInSession, "update")
	}

	rsp, err := c.call(ctx, protocol.CmdUpdateGame, strconv.Itoa(row), strconv.Itoa(col), strconv.Itoa(value))
	if err != nil {
		return update.Event{}, 0, err
	}
	var res protocol.UpdateResult
	if err := rsp.Decode(&res); err != nil {
		return update.Event{}, 0, err
	}
	out := game.Applied
	if res.Outcome == game.Unchanged.String() {
		out = game.Unchanged
	}
	m.merge(res.Event)
	return res.Event, out, nil
}

// Resync 取回会话的完整状态并替换本地副本
func (c *Client) Resync(ctx context.Context) (session.Snapshot, error) {
	c.mu.Lock()
	m := c.mirror
	c.mu.Unlock()
	if m == nil {
		return session.Snapshot{}, errors.Wrap(protocol.ErrNotInSession, "resync")
	}
	rsp, err := c.call(ctx, protocol.CmdResyncSession)
	if err != nil {
		return session.Snapshot{}, err
	}
	var snap session.Snapshot
	if err := rsp.Decode(&snap); err != nil {
		return session.Snapshot{}, err
	}
	m.reset(snap)
	return snap, nil
}

// Session 本地副本的拷贝
func (c *Client) Session() (session.Snapshot, bool) {
	c.mu.Lock()
	m := c.mirror
	c.mu.Unlock()
	if m == nil {
		return session.Snapshot{}, false
	}
	return m.snapshot(), true
}

// Score 自己在当前会话中的得分
func (c *Client) Score() (int, bool) {
	c.mu.Lock()
	m, nick := c.mirror, c.name()
	c.mu.Unlock()
	if m == nil {
		return 0, false
	}
	return m.score(nick)
}

// Close 尽量离开当前会话，停止接收广播；连接由 Dial 创建时一并关闭
func (c *Client) Close() error {
	c.mu.Lock()
	inSession := c.mirror != nil
	c.mu.Unlock()
	if inSession {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		if _, err := c.call(ctx, protocol.CmdLeaveSession); err != nil {
			c.log.Debugf("leave on close: %v", err)
		}
		cancel()
	}
	c.detach()
	if c.ownsConn && c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// attach 以 snap 为基线安装新副本，并在后台应用广播；旧的订阅随之停止
func (c *Client) attach(sub *update.Subscriber, events <-chan update.Event, snap session.Snapshot) {
	m := newMirror(snap, c.log)
	applied := make(chan struct{})
	go func() {
		defer close(applied)
		for e := range events {
			m.observe(e)
		}
	}()

	c.mu.Lock()
	oldSub, oldApplied := c.sub, c.applied
	c.sub, c.mirror, c.applied = sub, m, applied
	c.mu.Unlock()

	if oldSub != nil {
		oldSub.Stop()
		<-oldApplied
	}
}

// abandon 服务端已切到新会话但本地无法跟随时调用：离开新会话，并丢弃旧副本
func (c *Client) abandon(ctx context.Context) {
	c.detach()
	if _, err := c.call(ctx, protocol.CmdLeaveSession); err != nil {
		c.log.Warnf("leave after failed create: %v", err)
	}
}

func (c *Client) detach() {
	c.mu.Lock()
	sub, applied := c.sub, c.applied
	c.sub, c.mirror, c.applied = nil, nil, nil
	c.mu.Unlock()

	if sub != nil {
		sub.Stop()
		<-applied
	}
}

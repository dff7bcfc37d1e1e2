package server

import (
	"context"
	"sync"
	"time"

	"gridsync/game"
	"gridsync/protocol"
	"gridsync/session"
	"gridsync/transport"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// clientState 单个客户端的连接状态，mu 串行化同一客户端的请求
type clientState struct {
	mu        sync.Mutex
	id        string
	nickname  string
	sessionID string
}

// name 客户端在会话中使用的昵称，未设置时生成默认值
func (c *clientState) name() string {
	if c.nickname != "" {
		return c.nickname
	}
	return protocol.DefaultNickname(c.id)
}

type nicknameArgs struct {
	Nickname string `validate:"required,max=32,alphanumunicode"`
}

type createArgs struct {
	Name       string `validate:"required,max=64"`
	MaxPlayers int    `validate:"min=1"`
}

// RPCServer 处理请求队列上的所有命令
type RPCServer struct {
	registry *session.Registry
	broker   transport.Broker
	queue    string
	log      *zap.SugaredLogger
	metrics  *Metrics

	// clients 只负责空闲计时，states 是客户端状态的权威来源
	clients *ttlcache.Cache[string, *clientState]

	mu        sync.Mutex
	states    map[string]*clientState
	nicknames map[string]string // nickname -> client id
}

type RPCOption func(*RPCServer)

func WithRPCLogger(log *zap.SugaredLogger) RPCOption {
	return func(s *RPCServer) {
		if log != nil {
			s.log = log
		}
	}
}

func WithMetrics(m *Metrics) RPCOption {
	return func(s *RPCServer) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClientTTL 客户端空闲超过 ttl 后被移出会话并释放昵称；0 表示不过期
func WithClientTTL(ttl time.Duration) RPCOption {
	return func(s *RPCServer) {
		if ttl > 0 {
			s.clients = newClientCache(ttl)
		}
	}
}

func newClientCache(ttl time.Duration) *ttlcache.Cache[string, *clientState] {
	if ttl <= 0 {
		return ttlcache.New[string, *clientState]()
	}
	return ttlcache.New[string, *clientState](ttlcache.WithTTL[string, *clientState](ttl))
}

func NewRPCServer(registry *session.Registry, broker transport.Broker, queue string, opts ...RPCOption) *RPCServer {
	s := &RPCServer{
		registry:  registry,
		broker:    broker,
		queue:     queue,
		log:       zap.NewNop().Sugar(),
		metrics:   &Metrics{},
		clients:   newClientCache(0),
		states:    make(map[string]*clientState),
		nicknames: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clients.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *clientState]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		s.metrics.IncClientsExpired()
		s.forget(item.Value())
	})
	return s
}

func (s *RPCServer) Metrics() *Metrics { return s.metrics }

// Run 消费请求队列并驱动客户端过期清理，直到 ctx 结束
func (s *RPCServer) Run(ctx context.Context) error {
	go s.clients.Start()
	defer s.clients.Stop()

	s.log.Infof("rpc server serving queue %s", s.queue)
	if err := s.broker.Serve(ctx, s.queue, s.Handle); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrapf(err, "serve queue %s failed", s.queue)
	}
	return nil
}

// Handle 处理一条原始请求并返回编码后的响应，任何失败都返回结构化错误
func (s *RPCServer) Handle(ctx context.Context, body []byte) []byte {
	start := time.Now()
	var rsp protocol.Response
	req, err := protocol.DecodeRequest(body)
	if err != nil {
		rsp = protocol.Fail(req.ID, err)
	} else {
		rsp = s.dispatch(ctx, req)
	}
	s.metrics.ObserveRequest(rsp.Status == protocol.StatusError, time.Since(start))

	b, err := protocol.EncodeResponse(rsp)
	if err != nil {
		s.log.Errorf("encode response for %s failed: %v", req.Cmd, err)
		b, _ = protocol.EncodeResponse(protocol.Fail(req.ID, protocol.ErrInternal))
	}
	return b
}

func (s *RPCServer) dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	if req.Client == "" {
		return protocol.Fail(req.ID, errors.Wrap(session.ErrInvalidArgument, "missing client id"))
	}
	st := s.client(req.Client)
	st.mu.Lock()
	defer st.mu.Unlock()

	var (
		payload any
		err     error
	)
	switch req.Cmd {
	case protocol.CmdConnect:
		s.log.Debugf("client connected: %s", st.id)
	case protocol.CmdSetNickname:
		err = s.setNickname(st, req)
	case protocol.CmdCreateSession:
		payload, err = s.createSession(ctx, st, req)
	case protocol.CmdJoinSession:
		payload, err = s.joinSession(st, req)
	case protocol.CmdLeaveSession:
		err = s.leaveSession(st)
	case protocol.CmdListSessions:
		payload = protocol.ListResult{Sessions: s.registry.List()}
	case protocol.CmdUpdateGame:
		if len(req.Args) == 1 && req.Args[0] == protocol.ResyncMarker {
			payload, err = s.resync(st)
		} else {
			payload, err = s.updateGame(st, req)
		}
	case protocol.CmdResyncSession:
		payload, err = s.resync(st)
	default:
		err = errors.Wrapf(session.ErrInvalidArgument, "unknown command %q", req.Cmd)
	}

	if err != nil {
		if protocol.CodeOf(err) == protocol.CodeInternal {
			s.log.Errorf("%s from %s failed: %v", req.Cmd, st.id, err)
		} else {
			s.log.Debugf("%s from %s rejected: %v", req.Cmd, st.id, err)
		}
		return protocol.Fail(req.ID, err)
	}
	if payload == nil {
		return protocol.OK(req.ID)
	}
	rsp, err := protocol.Ack(req.ID, payload)
	if err != nil {
		s.log.Errorf("%s from %s: %v", req.Cmd, st.id, err)
		return protocol.Fail(req.ID, protocol.ErrInternal)
	}
	return rsp
}

// client 取出或登记客户端状态，并刷新其过期时间
func (s *RPCServer) client(id string) *clientState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		st = &clientState{id: id}
		s.states[id] = st
	}
	s.clients.Set(id, st, ttlcache.DefaultTTL)
	return st
}

// forget 客户端过期：先离开会话，再释放昵称。过期后又发来请求的客户端保持不变
func (s *RPCServer) forget(st *clientState) {
	s.mu.Lock()
	if s.clients.Get(st.id, ttlcache.WithDisableTouchOnHit[string, *clientState]()) != nil {
		s.mu.Unlock()
		return
	}
	if s.states[st.id] == st {
		delete(s.states, st.id)
	}
	s.mu.Unlock()

	st.mu.Lock()
	nick, name := st.nickname, st.name()
	if st.sessionID != "" {
		if err := s.registry.Leave(st.sessionID, name); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			s.log.Warnf("expire client %s: leave session %s failed: %v", st.id, st.sessionID, err)
		}
		st.sessionID = ""
	}
	st.mu.Unlock()

	if nick != "" {
		s.mu.Lock()
		// 同一 id 重新登记并取回同一昵称时保留
		if cur, ok := s.states[st.id]; s.nicknames[nick] == st.id && (!ok || cur.nickname != nick) {
			delete(s.nicknames, nick)
		}
		s.mu.Unlock()
	}
	s.log.Infof("client expired: %s (%s)", st.id, name)
}

func (s *RPCServer) setNickname(st *clientState, req protocol.Request) error {
	nick, err := req.Arg(0)
	if err != nil {
		return err
	}
	if err := validate.Struct(nicknameArgs{Nickname: nick}); err != nil {
		return errors.Wrapf(session.ErrInvalidArgument, "nickname %q: %v", nick, err)
	}
	if nick == st.nickname {
		return nil
	}
	if st.sessionID != "" {
		return errors.Wrap(session.ErrInvalidArgument, "cannot change nickname while in a session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.nicknames[nick]; ok && owner != st.id {
		return errors.Wrap(session.ErrNicknameTaken, nick)
	}
	if st.nickname != "" {
		delete(s.nicknames, st.nickname)
	}
	s.nicknames[nick] = st.id
	st.nickname = nick
	s.log.Infof("client %s nickname set: %s", st.id, nick)
	return nil
}

func (s *RPCServer) createSession(ctx context.Context, st *clientState, req protocol.Request) (protocol.CreateResult, error) {
	name, err := req.Arg(0)
	if err != nil {
		return protocol.CreateResult{}, err
	}
	maxPlayers, err := req.IntArg(1)
	if err != nil {
		return protocol.CreateResult{}, err
	}
	if err := validate.Struct(createArgs{Name: name, MaxPlayers: maxPlayers}); err != nil {
		return protocol.CreateResult{}, errors.Wrapf(session.ErrInvalidArgument, "create-session: %v", err)
	}

	id, err := s.registry.Create(ctx, name, maxPlayers)
	if err != nil {
		return protocol.CreateResult{}, err
	}
	snap, err := s.switchTo(st, id)
	if err != nil {
		return protocol.CreateResult{}, err
	}
	return protocol.CreateResult{ID: id, Session: snap}, nil
}

func (s *RPCServer) joinSession(st *clientState, req protocol.Request) (session.Snapshot, error) {
	id, err := req.Arg(0)
	if err != nil {
		return session.Snapshot{}, err
	}
	return s.switchTo(st, id)
}

// switchTo 加入新会话，成功后离开旧会话；加入失败时保持原状态
func (s *RPCServer) switchTo(st *clientState, id string) (session.Snapshot, error) {
	snap, err := s.registry.Join(id, session.Player{Nickname: st.name(), Addr: st.id})
	if err != nil {
		return session.Snapshot{}, err
	}
	if old := st.sessionID; old != "" && old != id {
		if err := s.registry.Leave(old, st.name()); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			s.log.Warnf("client %s leave previous session %s failed: %v", st.id, old, err)
		}
	}
	st.sessionID = id
	return snap, nil
}

func (s *RPCServer) leaveSession(st *clientState) error {
	if st.sessionID == "" {
		return nil
	}
	id := st.sessionID
	st.sessionID = ""
	if err := s.registry.Leave(id, st.name()); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		return err
	}
	return nil
}

func (s *RPCServer) updateGame(st *clientState, req protocol.Request) (protocol.UpdateResult, error) {
	if st.sessionID == "" {
		return protocol.UpdateResult{}, errors.Wrap(protocol.ErrNotInSession, "update-game")
	}
	var coords [3]int
	for i := range coords {
		n, err := req.IntArg(i)
		if err != nil {
			return protocol.UpdateResult{}, err
		}
		coords[i] = n
	}

	e, out, err := s.registry.Update(st.sessionID, st.name(), coords[0], coords[1], coords[2])
	switch {
	case errors.Is(err, game.ErrConflict):
		s.metrics.IncConflicts()
		return protocol.UpdateResult{}, err
	case errors.Is(err, session.ErrSessionNotFound):
		st.sessionID = ""
		return protocol.UpdateResult{}, err
	case err != nil:
		return protocol.UpdateResult{}, err
	}
	if out == game.Applied {
		s.metrics.IncAccepted()
	} else {
		s.metrics.IncUnchanged()
	}
	return protocol.UpdateResult{Event: e, Outcome: out.String()}, nil
}

func (s *RPCServer) resync(st *clientState) (session.Snapshot, error) {
	if st.sessionID == "" {
		return session.Snapshot{}, errors.Wrap(protocol.ErrNotInSession, "resync-session")
	}
	snap, err := s.registry.Resync(st.sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		st.sessionID = ""
	}
	return snap, err
}

package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"gridsync/game"
	"gridsync/update"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultMaxPlayers 单个会话允许设置的最大人数上限
const DefaultMaxPlayers = 64

// Publisher 会话的广播出口
type Publisher interface {
	Publish(update.Event)
	Shutdown()
}

// PublisherFactory 为新会话创建广播出口
type PublisherFactory func(ctx context.Context, sessionID string) (Publisher, error)

type nopPublisher struct{}

func (nopPublisher) Publish(update.Event) {}
func (nopPublisher) Shutdown()            {}

// Registry 管理所有会话的生命周期，是会话状态唯一的修改入口
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	gridSize     int
	maxPlayers   int
	newPublisher PublisherFactory
	log          *zap.SugaredLogger
	now          func() time.Time
}

// Option 配置 Registry
type Option func(*Registry)

func WithGridSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.gridSize = n
		}
	}
}

// WithMaxPlayers 限制 create 时 maxPlayers 的上限
func WithMaxPlayers(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxPlayers = n
		}
	}
}

func WithPublisherFactory(f PublisherFactory) Option {
	return func(r *Registry) { r.newPublisher = f }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:   make(map[string]*Session),
		gridSize:   game.DefaultSize,
		maxPlayers: DefaultMaxPlayers,
		newPublisher: func(context.Context, string) (Publisher, error) {
			return nopPublisher{}, nil
		},
		log: zap.NewNop().Sugar(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create 创建会话并返回新 id
func (r *Registry) Create(ctx context.Context, name string, maxPlayers int) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.Wrap(ErrInvalidArgument, "empty session name")
	}
	if maxPlayers < 1 || maxPlayers > r.maxPlayers {
		return "", errors.Wrapf(ErrInvalidArgument, "max players %d outside 1..%d", maxPlayers, r.maxPlayers)
	}
	id := uuid.NewString()
	pub, err := r.newPublisher(ctx, id)
	if err != nil {
		return "", errors.Wrap(err, "create publisher failed")
	}
	s := newSession(id, name, maxPlayers, r.gridSize, pub, r.now())

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	r.log.Infof("session created: id=%s name=%q max=%d", id, name, maxPlayers)
	return id, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.Wrap(ErrSessionNotFound, id)
	}
	return s, nil
}

// Join 加入会话，返回加入后的快照
func (r *Registry) Join(id string, p Player) (Snapshot, error) {
	if strings.TrimSpace(p.Nickname) == "" {
		return Snapshot{}, errors.Wrap(ErrInvalidArgument, "empty nickname")
	}
	s, err := r.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := s.join(p, r.now())
	if err != nil {
		return Snapshot{}, err
	}
	r.log.Infof("player joined: session=%s nickname=%s players=%d/%d", id, p.Nickname, len(snap.Players), snap.MaxPlayers)
	return snap, nil
}

// Leave 移除玩家；玩家不在会话中时为空操作
func (r *Registry) Leave(id, nickname string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	if s.leave(nickname, r.now()) {
		r.log.Infof("player left: session=%s nickname=%s", id, nickname)
	}
	return nil
}

// Update 在会话上执行一次写格子请求
func (r *Registry) Update(id, nickname string, row, col, value int) (update.Event, game.Outcome, error) {
	s, err := r.Get(id)
	if err != nil {
		return update.Event{}, 0, err
	}
	e, out, err := s.update(nickname, row, col, value)
	if err != nil {
		return update.Event{}, 0, err
	}
	r.log.Debugf("update %s: session=%s player=%s cell=(%d,%d) value=%d seq=%d", out, id, nickname, row, col, value, e.Seq)
	return e, out, nil
}

// Resync 返回会话完整状态，不做任何修改
func (r *Registry) Resync(id string) (Snapshot, error) {
	s, err := r.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// List 返回当前所有会话的时间点快照，按名称排序
func (r *Registry) List() []Summary {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len 会话数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Delete 删除会话并关闭其广播通道；会话不存在时为空操作
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		s.close()
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	s.pub.Shutdown()
	r.log.Infof("session deleted: id=%s name=%q", id, s.Name)
	return nil
}

// Prune 删除无人时长超过 idle 的会话，返回删除数量
func (r *Registry) Prune(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	now := r.now()
	r.mu.Lock()
	var pruned []*Session
	for id, s := range r.sessions {
		if s.closeIfIdle(now, idle) {
			delete(r.sessions, id)
			pruned = append(pruned, s)
		}
	}
	r.mu.Unlock()

	for _, s := range pruned {
		s.pub.Shutdown()
		r.log.Infof("session pruned: id=%s name=%q", s.ID, s.Name)
	}
	return len(pruned)
}

// Close 关闭所有会话的广播通道
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	for _, s := range sessions {
		s.close()
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.pub.Shutdown()
	}
}

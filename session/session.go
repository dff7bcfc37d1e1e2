package session

import (
	"sort"
	"sync"
	"time"

	"gridsync/game"
	"gridsync/update"

	"github.com/pkg/errors"
)

// Snapshot 会话在某一时刻的完整状态
type Snapshot struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	MaxPlayers int           `json:"maxPlayers"`
	Size       int           `json:"size"`
	Players    []PlayerInfo  `json:"players"`
	Grid       [][]game.Cell `json:"grid"`
	// Seq 快照包含的最后一条更新序号
	Seq uint64 `json:"seq"`
}

// Player 按昵称查找快照中的玩家
func (s Snapshot) Player(nickname string) (PlayerInfo, bool) {
	for _, p := range s.Players {
		if p.Nickname == nickname {
			return p, true
		}
	}
	return PlayerInfo{}, false
}

// Summary 会话列表中的一项
type Summary struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Members    []string `json:"members"`
	MaxPlayers int      `json:"maxPlayers"`
}

// Session 一局游戏：有上限的成员集合 + 棋盘。
// 同一会话上的 join/leave/update 在 mu 下串行，不同会话互不影响。
type Session struct {
	ID         string
	Name       string
	MaxPlayers int

	mu         sync.Mutex
	players    map[string]*Player
	grid       *game.Grid
	seq        uint64
	pub        Publisher
	createdAt  time.Time
	emptySince time.Time
	// closed 会话已从注册表移除，之后的 join/update 都视为不存在
	closed bool
}

func newSession(id, name string, maxPlayers, size int, pub Publisher, now time.Time) *Session {
	return &Session{
		ID:         id,
		Name:       name,
		MaxPlayers: maxPlayers,
		players:    make(map[string]*Player),
		grid:       game.NewGrid(size),
		pub:        pub,
		createdAt:  now,
		emptySince: now,
	}
}

// emit 在持锁状态下分配序号并入队广播，保证广播顺序与接受顺序一致
func (s *Session) emit(e update.Event) update.Event {
	s.seq++
	e.V = update.Version
	e.SessionID = s.ID
	e.Seq = s.seq
	s.pub.Publish(e)
	return e
}

func (s *Session) join(p Player, now time.Time) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, errors.Wrap(ErrSessionNotFound, s.ID)
	}

	if cur, ok := s.players[p.Nickname]; ok {
		if cur.Addr == p.Addr {
			// 同一客户端重复加入
			return s.snapshotLocked(), nil
		}
		return Snapshot{}, errors.Wrapf(ErrNicknameTaken, "%q in session %s", p.Nickname, s.ID)
	}
	if len(s.players) >= s.MaxPlayers {
		return Snapshot{}, errors.Wrapf(ErrSessionFull, "session %s has %d/%d players", s.ID, len(s.players), s.MaxPlayers)
	}
	p.Score = 0
	p.JoinedAt = now
	s.players[p.Nickname] = &p
	s.emptySince = time.Time{}
	s.emit(update.Event{Kind: update.KindJoin, Player: p.Nickname})
	return s.snapshotLocked(), nil
}

func (s *Session) leave(nickname string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[nickname]
	if !ok || s.closed {
		return false
	}
	delete(s.players, nickname)
	if len(s.players) == 0 {
		s.emptySince = now
	}
	s.emit(update.Event{Kind: update.KindLeave, Player: nickname, Score: p.Score})
	return true
}

// update 按先写者胜策略写入格子。只有新写入的格子会加分并广播
func (s *Session) update(nickname string, row, col, value int) (update.Event, game.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return update.Event{}, 0, errors.Wrap(ErrSessionNotFound, s.ID)
	}

	p, ok := s.players[nickname]
	if !ok {
		return update.Event{}, 0, errors.Wrapf(ErrNotMember, "%q in session %s", nickname, s.ID)
	}
	out, err := s.grid.Apply(row, col, value, nickname)
	if err != nil {
		return update.Event{}, 0, err
	}
	if out == game.Unchanged {
		// 重发相同的值：返回格子当前的权威状态，不产生新序号
		cell, _ := s.grid.Cell(row, col)
		e := update.Event{
			V: update.Version, SessionID: s.ID, Seq: s.seq, Kind: update.KindCell,
			Player: cell.Owner, Row: row, Col: col, Value: cell.Value,
		}
		if owner, ok := s.players[cell.Owner]; ok {
			e.Score = owner.Score
		}
		return e, out, nil
	}
	p.Score++
	e := s.emit(update.Event{Kind: update.KindCell, Player: nickname, Row: row, Col: col, Value: value, Score: p.Score})
	return e, out, nil
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	players := make([]PlayerInfo, 0, len(s.players))
	for _, p := range s.players {
		players = append(players, p.info())
	}
	sort.Slice(players, func(i, j int) bool { return players[i].Nickname < players[j].Nickname })
	return Snapshot{
		ID:         s.ID,
		Name:       s.Name,
		MaxPlayers: s.MaxPlayers,
		Size:       s.grid.Size(),
		Players:    players,
		Grid:       s.grid.Cells(),
		Seq:        s.seq,
	}
}

func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]string, 0, len(s.players))
	for name := range s.players {
		members = append(members, name)
	}
	sort.Strings(members)
	return Summary{ID: s.ID, Name: s.Name, Members: members, MaxPlayers: s.MaxPlayers}
}

// Len 当前成员数
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players)
}

// idleForLocked 会话无人的时长；有成员时为 0
func (s *Session) idleForLocked(now time.Time) time.Duration {
	if len(s.players) > 0 || s.emptySince.IsZero() {
		return 0
	}
	return now.Sub(s.emptySince)
}

// close 标记会话已移除，调用方需持有注册表写锁
func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// closeIfIdle 无人时长超过 idle 时标记移除，检查与标记在同一把锁内完成
func (s *Session) closeIfIdle(now time.Time, idle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleForLocked(now) <= idle {
		return false
	}
	s.closed = true
	return true
}

package client

import (
	"sort"
	"sync"

	"gridsync/game"
	"gridsync/session"
	"gridsync/update"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// mirror 本地持有的会话副本，由 RPC 回复和广播共同驱动
type mirror struct {
	mu         sync.Mutex
	log        *zap.SugaredLogger
	id         string
	name       string
	maxPlayers int
	grid       *game.Grid
	scores     map[string]int
	addrs      map[string]string
	// baseline 最近一次快照的序号，不晚于它的成员事件已包含在快照中
	baseline uint64
	// streamSeq 广播流上见过的最大序号，用于发现丢失
	streamSeq uint64
}

func newMirror(snap session.Snapshot, log *zap.SugaredLogger) *mirror {
	m := &mirror{log: log}
	m.reset(snap)
	return m
}

// reset 以快照为新的基线
func (m *mirror) reset(snap session.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id, m.name, m.maxPlayers = snap.ID, snap.Name, snap.MaxPlayers
	if m.grid == nil || m.grid.Size() != snap.Size {
		m.grid = game.NewGrid(snap.Size)
	}
	if err := m.grid.Replace(snap.Grid); err != nil {
		m.log.Warnf("session %s: install snapshot grid: %v", snap.ID, err)
	}
	m.scores = make(map[string]int, len(snap.Players))
	m.addrs = make(map[string]string, len(snap.Players))
	for _, p := range snap.Players {
		m.scores[p.Nickname] = p.Score
		m.addrs[p.Nickname] = p.Addr
	}
	m.baseline = snap.Seq
	if snap.Seq > m.streamSeq {
		m.streamSeq = snap.Seq
	}
}

// merge 应用一条事件，重复或乱序到达的事件不会改变结果
func (m *mirror) merge(e update.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e.Kind {
	case update.KindCell:
		_, err := m.grid.Apply(e.Row, e.Col, e.Value, e.Player)
		if errors.Is(err, game.ErrConflict) {
			m.log.Warnf("session %s: diverged at (%d,%d): %v", m.id, e.Row, e.Col, err)
			return
		}
		if err != nil {
			m.log.Warnf("session %s: dropping cell event: %v", m.id, err)
			return
		}
		if _, ok := m.scores[e.Player]; ok || e.Seq > m.baseline {
			m.raise(e.Player, e.Score)
		}
	case update.KindJoin:
		if e.Seq <= m.baseline {
			return
		}
		m.raise(e.Player, e.Score)
	case update.KindLeave:
		if e.Seq <= m.baseline {
			return
		}
		delete(m.scores, e.Player)
		delete(m.addrs, e.Player)
	}
}

// observe 处理广播流上的事件，并检查序号是否连续
func (m *mirror) observe(e update.Event) {
	m.mu.Lock()
	if e.Seq > m.streamSeq+1 {
		m.log.Infof("session %s: missed updates %d..%d", m.id, m.streamSeq+1, e.Seq-1)
	}
	if e.Seq > m.streamSeq {
		m.streamSeq = e.Seq
	}
	m.mu.Unlock()
	m.merge(e)
}

func (m *mirror) raise(nickname string, score int) {
	if cur, ok := m.scores[nickname]; !ok || score > cur {
		m.scores[nickname] = score
	}
}

func (m *mirror) score(nickname string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scores[nickname]
	return s, ok
}

func (m *mirror) snapshot() session.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	players := make([]session.PlayerInfo, 0, len(m.scores))
	for nick, score := range m.scores {
		players = append(players, session.PlayerInfo{Nickname: nick, Addr: m.addrs[nick], Score: score})
	}
	sort.Slice(players, func(i, j int) bool { return players[i].Nickname < players[j].Nickname })
	return session.Snapshot{
		ID:         m.id,
		Name:       m.name,
		MaxPlayers: m.maxPlayers,
		Size:       m.grid.Size(),
		Players:    players,
		Grid:       m.grid.Cells(),
		Seq:        m.streamSeq,
	}
}

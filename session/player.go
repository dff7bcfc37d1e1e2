package session

import "time"

// Player 会话内的玩家，昵称在会话内唯一
type Player struct {
	Nickname string
	// Addr 玩家的网络标识（客户端 id）
	Addr     string
	Score    int
	JoinedAt time.Time
}

// PlayerInfo 快照中的玩家信息
type PlayerInfo struct {
	Nickname string `json:"nickname"`
	Addr     string `json:"addr,omitempty"`
	Score    int    `json:"score"`
}

func (p *Player) info() PlayerInfo {
	return PlayerInfo{Nickname: p.Nickname, Addr: p.Addr, Score: p.Score}
}

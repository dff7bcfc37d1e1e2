// Package update 定义会话更新消息，以及每个会话一条广播通道上的发布者与订阅者。
//
// 更新会通过两条路径到达客户端：发起者的 RPC 响应，以及会话广播。
// 两者可能以任意顺序到达，客户端的合并必须是幂等的。
package update

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Version 更新消息的编码版本
const Version = 1

// Kind 更新类型
type Kind string

const (
	KindCell  Kind = "cell"
	KindJoin  Kind = "join"
	KindLeave Kind = "leave"
)

// Event 一次被接受的会话变更
type Event struct {
	V         int    `json:"v"`
	SessionID string `json:"session"`
	Seq       uint64 `json:"seq"`
	Kind      Kind   `json:"kind"`
	Player    string `json:"player"`
	Row       int    `json:"row,omitempty"`
	Col       int    `json:"col,omitempty"`
	Value     int    `json:"value,omitempty"`
	// Score 变更后该玩家的分数（绝对值）
	Score int `json:"score"`
}

// ErrUnsupportedVersion 消息版本无法识别
var ErrUnsupportedVersion = errors.New("unsupported update version")

// ExchangeName 会话对应的广播通道名
func ExchangeName(sessionID string) string {
	return "session." + sessionID
}

func Encode(e Event) ([]byte, error) {
	if e.V == 0 {
		e.V = Version
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encode update failed")
	}
	return b, nil
}

func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, errors.Wrap(err, "decode update failed")
	}
	if e.V != Version {
		return Event{}, errors.Wrapf(ErrUnsupportedVersion, "got v%d", e.V)
	}
	switch e.Kind {
	case KindCell, KindJoin, KindLeave:
	default:
		return Event{}, errors.Errorf("decode update failed: unknown kind %q", e.Kind)
	}
	return e, nil
}

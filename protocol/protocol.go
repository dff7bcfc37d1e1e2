// Package protocol 定义客户端与服务端之间的 RPC 词汇表与带版本号的 JSON 信封。
//
// 一个请求由命令标签和按位置排列的参数组成；响应是 ok、ack（附带载荷）或 error（附带错误码）。
package protocol

import (
	"encoding/json"
	"strconv"

	"gridsync/session"
	"gridsync/update"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

// Version 信封版本
const Version = 1

// DefaultQueue 服务端默认的请求队列
const DefaultQueue = "gridsync.rpc"

// Command 请求命令
type Command string

const (
	CmdConnect       Command = "connect"
	CmdSetNickname   Command = "set-nickname"
	CmdCreateSession Command = "create-session"
	CmdJoinSession   Command = "join-session"
	CmdLeaveSession  Command = "leave-session"
	CmdListSessions  Command = "list-sessions"
	CmdUpdateGame    Command = "update-game"
	CmdResyncSession Command = "resync-session"
)

// ResyncMarker update-game 的旧式单参数写法，等价于 resync-session
const ResyncMarker = "init"

// Status 响应状态
type Status string

const (
	StatusOK    Status = "ok"
	StatusAck   Status = "ack"
	StatusError Status = "error"
)

// Request 客户端请求
type Request struct {
	V      int      `json:"v"`
	ID     string   `json:"id"`
	Client string   `json:"client"`
	Cmd    Command  `json:"cmd"`
	Args   []string `json:"args,omitempty"`
}

// Response 服务端响应
type Response struct {
	V       int             `json:"v"`
	ID      string          `json:"id"`
	Status  Status          `json:"status"`
	Code    Code            `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CreateResult create-session 的载荷，创建者已自动加入
type CreateResult struct {
	ID      string           `json:"id"`
	Session session.Snapshot `json:"session"`
}

// ListResult list-sessions 的载荷
type ListResult struct {
	Sessions []session.Summary `json:"sessions"`
}

// UpdateResult update-game 的载荷
type UpdateResult struct {
	Event   update.Event `json:"event"`
	Outcome string       `json:"outcome"`
}

// NewRequest 生成带唯一 id 的请求
func NewRequest(client string, cmd Command, args ...string) Request {
	return Request{V: Version, ID: ulid.Make().String(), Client: client, Cmd: cmd, Args: args}
}

// DefaultNickname 未设置昵称的客户端使用的名字
func DefaultNickname(clientID string) string {
	short := clientID
	if len(short) > 8 {
		short = short[:8]
	}
	return "player-" + short
}

// Arg 第 i 个参数，缺失时返回 ErrInvalidArgument
func (r Request) Arg(i int) (string, error) {
	if i >= len(r.Args) {
		return "", errors.Wrapf(session.ErrInvalidArgument, "%s: missing argument %d", r.Cmd, i+1)
	}
	return r.Args[i], nil
}

// IntArg 第 i 个参数按整数解析
func (r Request) IntArg(i int) (int, error) {
	s, err := r.Arg(i)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(session.ErrInvalidArgument, "%s: argument %d %q is not an integer", r.Cmd, i+1, s)
	}
	return n, nil
}

func EncodeRequest(r Request) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "encode request failed")
	}
	return b, nil
}

// DecodeRequest 解析请求信封；版本不符或格式错误都视为参数非法
func DecodeRequest(b []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(b, &r); err != nil {
		return Request{}, errors.Wrapf(session.ErrInvalidArgument, "malformed request: %v", err)
	}
	if r.V != Version {
		return r, errors.Wrapf(session.ErrInvalidArgument, "unsupported protocol version %d", r.V)
	}
	return r, nil
}

func EncodeResponse(r Response) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "encode response failed")
	}
	return b, nil
}

func DecodeResponse(b []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(b, &r); err != nil {
		return Response{}, errors.Wrap(err, "decode response failed")
	}
	if r.V != Version {
		return Response{}, errors.Errorf("decode response failed: unsupported protocol version %d", r.V)
	}
	return r, nil
}

// OK 无载荷的成功响应
func OK(id string) Response {
	return Response{V: Version, ID: id, Status: StatusOK}
}

// Ack 带载荷的成功响应
func Ack(id string, payload any) (Response, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Response{}, errors.Wrap(err, "encode payload failed")
	}
	return Response{V: Version, ID: id, Status: StatusAck, Payload: b}, nil
}

// Fail 把错误转换为结构化的失败响应
func Fail(id string, err error) Response {
	return Response{V: Version, ID: id, Status: StatusError, Code: CodeOf(err), Message: err.Error()}
}

// Err 失败响应对应的错误，成功时为 nil
func (r Response) Err() error {
	if r.Status != StatusError {
		return nil
	}
	return ErrorFor(r.Code, r.Message)
}

// Decode 解析 ack 载荷
func (r Response) Decode(v any) error {
	if len(r.Payload) == 0 {
		return errors.New("response has no payload")
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return errors.Wrap(err, "decode payload failed")
	}
	return nil
}

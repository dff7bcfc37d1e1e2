package protocol

import (
	"gridsync/game"
	"gridsync/session"
	"gridsync/transport"

	"github.com/pkg/errors"
)

// Code 失败响应的错误码
type Code string

const (
	CodeTransportUnavailable Code = "TransportUnavailable"
	CodeNotFound             Code = "NotFound"
	CodeSessionFull          Code = "SessionFull"
	CodeInvalidArgument      Code = "InvalidArgument"
	CodeConflict             Code = "Conflict"
	CodeNicknameTaken        Code = "NicknameTaken"
	CodeInternal             Code = "Internal"
)

// ErrNotInSession 客户端当前不在任何会话中
var ErrNotInSession = errors.New("not in a session")

// ErrInternal 服务端内部错误
var ErrInternal = errors.New("internal error")

var codeErrors = []struct {
	code Code
	err  error
}{
	{CodeTransportUnavailable, transport.ErrUnavailable},
	{CodeNotFound, session.ErrSessionNotFound},
	{CodeNotFound, session.ErrNotMember},
	{CodeNotFound, ErrNotInSession},
	{CodeSessionFull, session.ErrSessionFull},
	{CodeInvalidArgument, game.ErrInvalidArgument},
	{CodeConflict, game.ErrConflict},
	{CodeNicknameTaken, session.ErrNicknameTaken},
}

// CodeOf 错误对应的错误码，未知错误归为 Internal
func CodeOf(err error) Code {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// ErrorFor 把错误码还原为哨兵错误，使客户端可以用 errors.Is 判断。
// 错误文本保持服务端原样
func ErrorFor(code Code, msg string) error {
	cause := ErrInternal
	for _, ce := range codeErrors {
		if ce.code == code {
			cause = ce.err
			break
		}
	}
	if msg == "" {
		msg = cause.Error()
	}
	return &remoteError{msg: msg, cause: cause}
}

type remoteError struct {
	msg   string
	cause error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.cause }

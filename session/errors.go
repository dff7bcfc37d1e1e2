package session

import (
	"gridsync/game"

	"github.com/pkg/errors"
)

// ErrSessionNotFound 会话 id 不存在
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionFull 会话人数已达上限
var ErrSessionFull = errors.New("session full")

// ErrNicknameTaken 昵称已被其他玩家使用
var ErrNicknameTaken = errors.New("nickname taken")

// ErrNotMember 玩家不在该会话中
var ErrNotMember = errors.New("not a member of the session")

// ErrInvalidArgument 与 game 包共用，参数非法
var ErrInvalidArgument = game.ErrInvalidArgument

package game

import "github.com/pkg/errors"

// ErrInvalidArgument 坐标越界或数值不在允许范围内
var ErrInvalidArgument = errors.New("invalid argument")

// ErrConflict 格子已被写入不同的值（先写者胜）
var ErrConflict = errors.New("cell already set to a different value")

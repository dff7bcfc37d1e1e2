package transport

import "github.com/pkg/errors"

// ErrUnavailable 代理不可达、连接已关闭或请求超时
var ErrUnavailable = errors.New("transport unavailable")

// ErrExchangeNotFound 广播通道不存在
var ErrExchangeNotFound = errors.New("exchange not found")

// Package transport 提供消息代理的抽象：点对点请求/响应，以及按名称的扇出广播。
//
// 客户端只需要 Conn（发请求、订阅广播），服务端只需要 Broker（消费请求队列、
// 声明/发布/删除广播通道）。实现有三种：
//
//	MemoryBroker 进程内代理，同时实现 Conn 与 Broker
//	Hub/WSConn   把 MemoryBroker 通过 WebSocket 暴露给远端客户端
//	AMQP         基于 RabbitMQ 的请求队列 + fanout exchange
package transport

import (
	"context"

	"go.uber.org/zap"
)

// Handler 处理一个请求并返回响应体
type Handler func(ctx context.Context, body []byte) []byte

// Subscription 一个广播通道上的订阅。通道结束（取消订阅、通道被删除或连接断开）时 C 会被关闭
type Subscription interface {
	C() <-chan []byte
	Close() error
}

// Conn 客户端视角的传输连接
type Conn interface {
	// Request 发送请求到目标队列并阻塞等待响应
	Request(ctx context.Context, dest string, body []byte) ([]byte, error)
	// Subscribe 订阅指定广播通道
	Subscribe(ctx context.Context, exchange string) (Subscription, error)
	Close() error
}

// Broker 服务端视角的传输
type Broker interface {
	// Serve 消费请求队列直到 ctx 结束，每个请求在独立的 goroutine 中处理
	Serve(ctx context.Context, queue string, h Handler) error
	DeclareBroadcast(ctx context.Context, exchange string) error
	Publish(ctx context.Context, exchange string, body []byte) error
	// DeleteBroadcast 删除广播通道，重复删除不报错
	DeleteBroadcast(ctx context.Context, exchange string) error
}

func orNop(log *zap.SugaredLogger) *zap.SugaredLogger {
	if log == nil {
		return zap.NewNop().Sugar()
	}
	return log
}

package server

import (
	"time"

	"gridsync/game"
	"gridsync/protocol"
	"gridsync/session"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// 支持的传输
const (
	TransportWS   = "ws"
	TransportAMQP = "amqp"
)

var validate = validator.New()

// Config 服务端配置
type Config struct {
	// Addr HTTP 监听地址（WebSocket 入口与管理接口）
	Addr      string `mapstructure:"addr" validate:"required"`
	Transport string `mapstructure:"transport" validate:"oneof=ws amqp"`
	AMQPURL   string `mapstructure:"amqp-url" validate:"required_if=Transport amqp"`
	// Queue RPC 请求队列名
	Queue      string `mapstructure:"queue" validate:"required"`
	GridSize   int    `mapstructure:"grid-size" validate:"min=1,max=64"`
	MaxPlayers int    `mapstructure:"max-players" validate:"min=1"`

	LogFile  string `mapstructure:"log-file"`
	LogLevel string `mapstructure:"log-level" validate:"oneof=debug info warn error"`

	// ClientTTL 客户端无请求多久后被移出会话，0 表示不过期
	ClientTTL time.Duration `mapstructure:"client-ttl"`
	// PruneAfter 会话无人多久后被删除，0 表示不清理
	PruneAfter    time.Duration `mapstructure:"prune-after"`
	PruneInterval time.Duration `mapstructure:"prune-interval"`
}

func DefaultConfig() Config {
	return Config{
		Addr:          ":8080",
		Transport:     TransportWS,
		Queue:         protocol.DefaultQueue,
		GridSize:      game.DefaultSize,
		MaxPlayers:    session.DefaultMaxPlayers,
		LogLevel:      "info",
		ClientTTL:     30 * time.Minute,
		PruneInterval: time.Minute,
	}
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "validate config failed")
	}
	if c.ClientTTL < 0 || c.PruneAfter < 0 || c.PruneInterval < 0 {
		return errors.New("validate config failed: durations must not be negative")
	}
	return nil
}

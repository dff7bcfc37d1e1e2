package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gridsync/client"
	"gridsync/server"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix 环境变量前缀，flag 名中的 - 换成 _，如 GRIDSYNC_CLIENT_TTL
const envPrefix = "GRIDSYNC"

// sessionsConfig sessions 子命令的参数
type sessionsConfig struct {
	URL      string        `mapstructure:"url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	LogLevel string        `mapstructure:"log-level"`
}

// gridsync 入口：server 启动服务，sessions 通过 WebSocket 列出会话
var (
	rootCmd = &cobra.Command{
		Use:           "gridsync",
		Short:         "Shared grid game sessions over RPC and broadcast.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Starts a gridsync server.",
		Args:  cobra.NoArgs,
		RunE:  runServer,
	}

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Lists the sessions on a running server.",
		Args:  cobra.NoArgs,
		RunE:  runSessions,
	}
)

// bindEnv 命令行参数优先，其次是 GRIDSYNC_* 环境变量，最后是默认值
func bindEnv(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Wrap(err, "bind flags failed")
	}
	return v, nil
}

// load 解析到 out，格式错误的值直接报错而不是回退默认值
func load(fs *pflag.FlagSet, out any) error {
	v, err := bindEnv(fs)
	if err != nil {
		return err
	}
	return errors.Wrap(v.Unmarshal(out), "invalid configuration")
}

func serverFlags(fs *pflag.FlagSet) {
	def := server.DefaultConfig()
	fs.String("addr", def.Addr, "HTTP listen address for /ws and admin endpoints")
	fs.String("transport", def.Transport, "message transport: ws or amqp")
	fs.String("amqp-url", def.AMQPURL, "AMQP broker url, required with --transport=amqp")
	fs.String("queue", def.Queue, "RPC request queue name")
	fs.Int("grid-size", def.GridSize, "grid dimension of new sessions")
	fs.Int("max-players", def.MaxPlayers, "upper bound for a session's max players")
	fs.String("log-file", def.LogFile, "rolling log file, stderr when empty")
	fs.String("log-level", def.LogLevel, "debug, info, warn or error")
	fs.Duration("client-ttl", def.ClientTTL, "idle time before a client leaves its session, 0 disables")
	fs.Duration("prune-after", def.PruneAfter, "delete sessions empty for this long, 0 disables")
	fs.Duration("prune-interval", def.PruneInterval, "how often empty sessions are checked")
}

func sessionsFlags(fs *pflag.FlagSet) {
	fs.String("url", "ws://localhost:8080/ws", "server websocket url")
	fs.Duration("timeout", client.DefaultTimeout, "per call timeout")
	fs.String("log-level", "warn", "debug, info, warn or error")
}

func serverConfig(fs *pflag.FlagSet) (server.Config, error) {
	cfg := server.DefaultConfig()
	if err := load(fs, &cfg); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := serverConfig(cmd.Flags())
	if err != nil {
		return err
	}
	log, err := server.NewLogger(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer server.SyncLogger(log)

	srv, err := server.New(cfg, log)
	if err != nil {
		return errors.Wrap(err, "new server failed")
	}
	// 优雅退出（Ctrl+C）
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return errors.Wrap(srv.Run(ctx), "run server failed")
}

func runSessions(cmd *cobra.Command, _ []string) error {
	var cfg sessionsConfig
	if err := load(cmd.Flags(), &cfg); err != nil {
		return err
	}
	log, err := server.NewLogger("", cfg.LogLevel)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
	defer cancel()

	c, err := client.Dial(ctx, cfg.URL, client.WithTimeout(cfg.Timeout), client.WithLogger(log))
	if err != nil {
		return errors.Wrap(err, "dial server failed")
	}
	defer c.Close()

	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return errors.Wrap(err, "list sessions failed")
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d/%d\t%s\n",
			s.ID, s.Name, len(s.Members), s.MaxPlayers, strings.Join(s.Members, ","))
	}
	return nil
}

func init() {
	serverFlags(serverCmd.Flags())
	sessionsFlags(sessionsCmd.Flags())
	rootCmd.AddCommand(serverCmd, sessionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

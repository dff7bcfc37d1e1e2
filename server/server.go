package server

import (
	"context"
	"net/http"
	"time"

	"gridsync/session"
	"gridsync/transport"
	"gridsync/update"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Server 组装传输、会话注册表、RPC 处理与 HTTP 接口
type Server struct {
	cfg      Config
	log      *zap.SugaredLogger
	metrics  *Metrics
	broker   transport.Broker
	closer   func() error
	hub      *transport.Hub
	registry *session.Registry
	rpc      *RPCServer
	mux      *http.ServeMux
}

// New 按配置创建服务。ws 模式下使用进程内 broker 并通过 /ws 对外提供；amqp 模式连接外部 broker
func New(cfg Config, log *zap.SugaredLogger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{cfg: cfg, log: log, metrics: &Metrics{}, mux: http.NewServeMux()}

	switch cfg.Transport {
	case TransportAMQP:
		a, err := transport.DialAMQP(cfg.AMQPURL, log.Named("amqp"))
		if err != nil {
			return nil, err
		}
		s.broker, s.closer = a, a.Close
	default:
		mem := transport.NewMemoryBroker()
		s.hub = transport.NewHub(mem, log.Named("hub"))
		s.broker, s.closer = mem, mem.Close
		s.mux.Handle("/ws", s.hub)
	}

	s.registry = session.NewRegistry(
		session.WithGridSize(cfg.GridSize),
		session.WithMaxPlayers(cfg.MaxPlayers),
		session.WithLogger(log.Named("registry")),
		session.WithPublisherFactory(s.newPublisher),
	)
	s.rpc = NewRPCServer(s.registry, s.broker, cfg.Queue,
		WithRPCLogger(log.Named("rpc")),
		WithMetrics(s.metrics),
		WithClientTTL(cfg.ClientTTL),
	)
	NewAdmin(s.registry, s.metrics, log.Named("admin")).Register(s.mux)
	return s, nil
}

func (s *Server) newPublisher(ctx context.Context, sessionID string) (session.Publisher, error) {
	return update.NewPublisher(ctx, s.broker, sessionID,
		update.WithLogger(s.log.Named("publisher")),
		update.WithRecorder(s.metrics),
	)
}

func (s *Server) Handler() http.Handler       { return s.mux }
func (s *Server) Registry() *session.Registry { return s.registry }
func (s *Server) Metrics() *Metrics           { return s.metrics }
func (s *Server) Broker() transport.Broker    { return s.broker }

// Run 启动全部组件并阻塞到 ctx 结束或任一组件失败
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.mux}

	g.Go(func() error {
		s.log.Infof("gridsync listening on %s (transport=%s queue=%s)", s.cfg.Addr, s.cfg.Transport, s.cfg.Queue)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http listen failed")
		}
		return nil
	})
	g.Go(func() error {
		return s.rpc.Run(ctx)
	})
	if s.cfg.PruneAfter > 0 {
		g.Go(func() error {
			s.registry.Maintain(ctx, s.cfg.PruneInterval, s.cfg.PruneAfter)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if s.hub != nil {
			s.hub.Close()
		}
		err := srv.Shutdown(shutdownCtx)
		s.registry.Close()
		if cerr := s.closer(); cerr != nil && err == nil {
			err = cerr
		}
		return errors.Wrap(err, "shutdown")
	})
	return g.Wait()
}

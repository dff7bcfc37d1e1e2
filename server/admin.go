package server

import (
	"encoding/json"
	"net/http"

	"gridsync/session"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Admin 管理与监控接口
type Admin struct {
	registry *session.Registry
	metrics  *Metrics
	log      *zap.SugaredLogger
}

func NewAdmin(registry *session.Registry, metrics *Metrics, log *zap.SugaredLogger) *Admin {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Admin{registry: registry, metrics: metrics, log: log}
}

// Register 把管理接口挂到 mux 上
func (a *Admin) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", a.HandleHealth)
	mux.HandleFunc("/metrics", a.HandleMetrics)
	mux.HandleFunc("/sessions", a.HandleSessions)
	mux.HandleFunc("/admin/sessions/delete", a.HandleDeleteSession)
}

func (a *Admin) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// HandleMetrics 输出服务运行指标
// GET /metrics
func (a *Admin) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"sessions": a.registry.Len(),
		"metrics":  a.metrics.Snapshot(),
	}
	writeJSON(w, http.StatusOK, payload)
}

// HandleSessions 列出所有会话，带 id 参数时返回该会话的完整快照
// GET /sessions
// GET /sessions?id=<session id>
func (a *Admin) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": a.registry.List()})
		return
	}
	snap, err := a.registry.Resync(id)
	if errors.Is(err, session.ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleDeleteSession 删除会话，重复删除同样返回成功
// POST /admin/sessions/delete?id=<session id>
func (a *Admin) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	if err := a.registry.Delete(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.log.Infof("admin deleted session %s", id)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package server

import (
	"sync/atomic"
	"time"
)

// Metrics 记录服务运行期的关键指标（用于监控与调试）
type Metrics struct {
	Requests         int64 // 处理的 RPC 请求数
	Failures         int64 // 返回错误响应的请求数
	UpdatesAccepted  int64 // 新写入的格子数
	UpdatesUnchanged int64 // 重复写入相同值的次数
	Conflicts        int64 // 因先写者胜被拒绝的写入数
	Published        int64 // 成功发布的广播数
	Dropped          int64 // 丢弃或发布失败的广播数
	ClientsExpired   int64 // 因长时间无请求被清理的客户端数
	TotalHandleNs    int64 // 请求处理累计耗时（纳秒）
}

func (m *Metrics) ObserveRequest(failed bool, d time.Duration) {
	atomic.AddInt64(&m.Requests, 1)
	atomic.AddInt64(&m.TotalHandleNs, d.Nanoseconds())
	if failed {
		atomic.AddInt64(&m.Failures, 1)
	}
}

func (m *Metrics) IncAccepted()       { atomic.AddInt64(&m.UpdatesAccepted, 1) }
func (m *Metrics) IncUnchanged()      { atomic.AddInt64(&m.UpdatesUnchanged, 1) }
func (m *Metrics) IncConflicts()      { atomic.AddInt64(&m.Conflicts, 1) }
func (m *Metrics) IncClientsExpired() { atomic.AddInt64(&m.ClientsExpired, 1) }

// RecordPublished 与 RecordDropped 实现 update.Recorder
func (m *Metrics) RecordPublished() { atomic.AddInt64(&m.Published, 1) }
func (m *Metrics) RecordDropped()   { atomic.AddInt64(&m.Dropped, 1) }

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	reqs := atomic.LoadInt64(&m.Requests)
	total := atomic.LoadInt64(&m.TotalHandleNs)
	var avgMs float64
	if reqs > 0 {
		avgMs = float64(total) / float64(reqs) / 1e6
	}
	return map[string]any{
		"requests":          reqs,
		"failures":          atomic.LoadInt64(&m.Failures),
		"updates_accepted":  atomic.LoadInt64(&m.UpdatesAccepted),
		"updates_unchanged": atomic.LoadInt64(&m.UpdatesUnchanged),
		"conflicts":         atomic.LoadInt64(&m.Conflicts),
		"published":         atomic.LoadInt64(&m.Published),
		"dropped":           atomic.LoadInt64(&m.Dropped),
		"clients_expired":   atomic.LoadInt64(&m.ClientsExpired),
		"avg_handle_ms":     avgMs,
	}
}

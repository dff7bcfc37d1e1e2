package session

import (
	"context"
	"time"
)

// Maintain 周期性清理长时间无人的会话，直到 ctx 结束。idle 为 0 时不清理
func (r *Registry) Maintain(ctx context.Context, interval, idle time.Duration) {
	if idle <= 0 || interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Prune(idle); n > 0 {
				r.log.Infof("maintenance pruned %d idle sessions, %d remain", n, r.Len())
			}
		}
	}
}

package gateway

import (
	"context"
	"time"

	"nhooyr.io/websocket"
)

const (
	defaultPingInterval = 30 * time.Second
	minPingInterval     = 5 * time.Second
)

func clampPingInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultPingInterval
	}
	return max(d, minPingInterval)
}

func (s *Server) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep evicts every connection that did not answer the previous ping and
// pings the rest.
func (s *Server) sweep() {
	for _, c := range s.snapshot() {
		if !c.alive.Swap(false) {
			c.logger.Info("gateway: peer missed heartbeat, evicting")
			s.evict(c)
			go c.terminate(websocket.StatusPolicyViolation, "heartbeat timeout")
			continue
		}
		go c.ping(s.pingInterval)
	}
}

// Package middleware holds HTTP middleware for the bridge listener.
package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	sweepInterval = time.Minute
	staleAfter    = 3 * time.Minute
)

// HandshakeLimiter rate limits WebSocket upgrade attempts per peer IP with a
// token bucket. Stale peers are forgotten by a background sweep that stops
// when the context passed to NewHandshakeLimiter is done.
type HandshakeLimiter struct {
	perMinute int
	burst     int
	logger    *slog.Logger

	mu    sync.Mutex
	peers map[string]*peer
	now   func() time.Time
}

type peer struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewHandshakeLimiter creates a limiter allowing perMinute handshakes per
// IP with the given burst. perMinute <= 0 disables limiting.
func NewHandshakeLimiter(ctx context.Context, perMinute, burst int, logger *slog.Logger) *HandshakeLimiter {
	if burst <= 0 {
		burst = max(perMinute/6, 1)
	}
	l := &HandshakeLimiter{
		perMinute: perMinute,
		burst:     burst,
		logger:    logger,
		peers:     make(map[string]*peer),
		now:       time.Now,
	}
	if perMinute > 0 {
		go l.sweepLoop(ctx)
	}
	return l
}

func (l *HandshakeLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *HandshakeLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, p := range l.peers {
		if l.now().Sub(p.lastSeen) > staleAfter {
			delete(l.peers, ip)
		}
	}
}

// Allow reports whether ip may attempt another handshake now.
func (l *HandshakeLimiter) Allow(ip string) bool {
	if l.perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	p, ok := l.peers[ip]
	if !ok {
		p = &peer{limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.burst)}
		l.peers[ip] = p
	}
	p.lastSeen = l.now()
	lim := p.limiter
	l.mu.Unlock()
	return lim.Allow()
}

// Wrap returns next guarded by the limiter. Rejected peers get 429.
func (l *HandshakeLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := PeerIP(r)
		if !l.Allow(ip) {
			l.logger.Warn("handshake rate limited", "remote", ip)
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PeerIP returns the TCP peer address without its port. Forwarding headers
// are ignored: the bridge is reached directly on the local network.
func PeerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

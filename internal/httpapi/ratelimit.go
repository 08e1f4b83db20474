package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter hands out one token bucket per client address.
type clientLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*bucket
	calls   int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{limit: limit, burst: burst, clients: make(map[string]*bucket)}
}

func (l *clientLimiter) allow(client string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%1024 == 0 {
		for k, b := range l.clients {
			if now.Sub(b.lastSeen) > 5*time.Minute {
				delete(l.clients, k)
			}
		}
	}

	b, ok := l.clients[client]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientAddr(r), time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: errorDetail{
				Code:      "RateLimited",
				Message:   "too many votes, slow down",
				Retryable: true,
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr is the remote host without its port, so every connection from
// one client shares a bucket.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package auth

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Throttle is a fixed-window per-client limiter for the abuse-prone auth
// endpoints (login, forgot-password). It complements the per-account
// lockout: the lockout protects one account, the throttle protects the
// endpoint.
type Throttle struct {
	mu      sync.Mutex
	maxHits int
	window  time.Duration
	byIP    map[string]*throttleWindow
}

type throttleWindow struct {
	startedAt time.Time
	hits      int
}

const throttleMaxTrackedIPs = 5000

func NewThrottle(maxHits int, window time.Duration) *Throttle {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &Throttle{
		maxHits: maxHits,
		window:  window,
		byIP:    make(map[string]*throttleWindow),
	}
}

func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := t.allow(clientIP(r), time.Now().UTC())
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (t *Throttle) allow(ip string, now time.Time) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	win := t.byIP[ip]
	if win == nil || now.Sub(win.startedAt) >= t.window {
		if len(t.byIP) >= throttleMaxTrackedIPs {
			t.evictStale(now)
		}
		t.byIP[ip] = &throttleWindow{startedAt: now, hits: 1}
		return true, 0
	}

	win.hits++
	if win.hits <= t.maxHits {
		return true, 0
	}

	retryAfter := win.startedAt.Add(t.window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter
}

func (t *Throttle) evictStale(now time.Time) {
	for ip, win := range t.byIP {
		if now.Sub(win.startedAt) >= t.window {
			delete(t.byIP, ip)
		}
	}
}

func clientIP(r *http.Request) string {
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}

	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}

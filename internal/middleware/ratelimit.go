package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleLimiterTTL — через сколько неактивный ключ выбрасывается из карты.
const idleLimiterTTL = 10 * time.Minute

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// keyedLimiter — token bucket на ключ (IP или user_id).
type keyedLimiter struct {
	mu     sync.Mutex
	perMin int
	items  map[string]*limiterEntry
	sweep  time.Time
}

func newKeyedLimiter(perMinute int) *keyedLimiter {
	return &keyedLimiter{perMin: perMinute, items: make(map[string]*limiterEntry)}
}

func (k *keyedLimiter) allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now()
	if now.Sub(k.sweep) > idleLimiterTTL {
		for key, e := range k.items {
			if now.Sub(e.seen) > idleLimiterTTL {
				delete(k.items, key)
			}
		}
		k.sweep = now
	}
	e, ok := k.items[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(float64(k.perMin)/60), k.perMin)}
		k.items[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

// RateLimit ограничивает запросы по IP и по user_id (если уже есть в контексте). 429 при превышении.
// perMinute <= 0 отключает лимит.
func RateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	byIP := newKeyedLimiter(perMinute)
	byUser := newKeyedLimiter(perMinute)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if !byIP.allow(ip) {
				http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
				return
			}
			if userID := GetUserID(r.Context()); userID != "" {
				if !byUser.allow("u:" + userID) {
					http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"net/http"
	"time"

	"github.com/chatsync/internal/logger"
)

// RequestLog логирует запрос с кодом ответа и временем выполнения. 5xx идут в error,
// остальное в debug. Пользователь маскируется: Identity стоит глубже по цепочке,
// поэтому берём сырой заголовок.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := wrapStatus(w)
		next.ServeHTTP(sw, r)

		user := r.Header.Get(UserIDHeader)
		if user == "" {
			user = r.URL.Query().Get("user_id")
		}
		took := time.Since(start)
		if sw.status >= http.StatusInternalServerError {
			logger.Errorf("http %s %s -> %d user=%s (%v)", r.Method, r.URL.Path, sw.status, MaskID(user), took)
			return
		}
		logger.Debugf("http %s %s -> %d user=%s (%v)", r.Method, r.URL.Path, sw.status, MaskID(user), took)
	})
}

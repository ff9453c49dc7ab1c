package middleware

import (
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/chatsync/internal/logger"
)

const (
	UserIDHeader         = "X-User-Id"
	InternalSecretHeader = "X-Internal-Secret"
	maxUserIDLen         = 128
)

// Identity берёт идентичность из X-User-Id (или ?user_id= для WebSocket, где
// браузер не даёт ставить заголовки). Аутентификацию выполняет шлюз перед relay,
// поэтому заголовок принимается только от доверенного источника: приватный IP
// или X-Internal-Secret == INTERNAL_GATEWAY_SECRET. Иначе 401.
func Identity(next http.Handler) http.Handler {
	secret := strings.TrimSpace(os.Getenv("INTERNAL_GATEWAY_SECRET"))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}
		if userID == "" || len(userID) > maxUserIDLen {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if !trustedSource(r, secret) {
			logger.Errorf("identity: untrusted source %s for user %s", r.RemoteAddr, MaskID(userID))
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func trustedSource(r *http.Request, secret string) bool {
	if secret != "" && r.Header.Get(InternalSecretHeader) == secret {
		return true
	}
	ipStr, _, _ := net.SplitHostPort(r.RemoteAddr)
	if ipStr == "" {
		ipStr = r.RemoteAddr
	}
	return isPrivateIP(ipStr)
}

func isPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

// MaskID маскирует идентификатор в логах (в prod не светить полный id).
func MaskID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}

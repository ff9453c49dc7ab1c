package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/ws"
)

// RouterDeps — всё, что нужно HTTP-поверхности relay.
type RouterDeps struct {
	Conversations ConversationStore
	Messages      MessageStore
	Hub           *ws.Hub
	Bus           storage.Bus

	CORSAllowedOrigins string
	RateLimitPerMinute int
	WS                 ws.ClientLimits
}

func NewRouter(d RouterDeps) http.Handler {
	convH := NewConversationHandler(d.Conversations, d.Messages, d.Hub, d.Bus)
	wsH := NewWSHandler(d.Hub, d.CORSAllowedOrigins, d.WS)

	origins := []string{"*"}
	if o := strings.TrimSpace(d.CORSAllowedOrigins); o != "" && o != "*" {
		origins = origins[:0]
		for _, s := range strings.Split(o, ",") {
			origins = append(origins, strings.TrimSpace(s))
		}
	}

	// RealIP не подключаем: Identity доверяет адресу пира, а X-Real-Ip подделывается клиентом.
	r := chi.NewRouter()
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket: иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compress := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compress.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", middleware.UserIDHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })

	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity)
		r.Use(middleware.RateLimit(d.RateLimitPerMinute))
		r.Route("/api/conversations", convH.Routes)
		r.Get("/ws", wsH.ServeWS)
	})
	return r
}

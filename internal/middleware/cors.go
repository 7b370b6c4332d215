package middleware

import (
	"net/http"
	"strings"

	"github.com/zhouzirui/medlink/backend/pkg/utils"
)

// CORS 返回跨域中间件。allowedOrigins 为空时回显任意来源。
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowHeaders := strings.Join([]string{
		"Content-Type", "Authorization", "X-User-ID", "X-Staff-ID", "X-Staff-Name", "X-Staff-Token",
	}, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && utils.OriginAllowed(allowedOrigins, origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", allowHeaders)
				h.Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

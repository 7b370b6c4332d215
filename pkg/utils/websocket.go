package utils

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// NewUpgrader 创建 websocket upgrader。allowedOrigins 为空时接受任意来源，
// "*" 同样表示放行全部。
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return OriginAllowed(allowedOrigins, r.Header.Get("Origin"))
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// OriginAllowed 判断 origin 是否在白名单内（忽略大小写和末尾斜杠）。
func OriginAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	origin = normalizeOrigin(origin)
	for _, candidate := range allowed {
		if candidate == "*" || normalizeOrigin(candidate) == origin {
			return true
		}
	}
	return false
}

func normalizeOrigin(origin string) string {
	origin = strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
	if u, err := url.Parse(origin); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Scheme + "://" + u.Host
	}
	return origin
}

// Package httpmw holds gin middleware shared by the HTTP and websocket
// surfaces.
package httpmw

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chr1sbest/ralphd/internal/execerr"
	"github.com/chr1sbest/ralphd/internal/logger"
)

// AllowedOrigin reports whether a browser request may act on this server.
// Requests without an Origin header come from non-browser clients and are
// allowed. Otherwise the origin must be loopback or the server's own host.
func AllowedOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}
	if isLoopback(host) {
		return true
	}
	return strings.EqualFold(host, requestHost(r))
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func requestHost(r *http.Request) string {
	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}

// RejectCrossOrigin aborts state-changing requests from foreign browser
// origins with 403. Reads are left to the browser's same-origin policy.
func RejectCrossOrigin(log *logger.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		if !AllowedOrigin(c.Request) {
			log.Warn("rejected cross-origin request",
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": gin.H{
				"code":    execerr.CodeForbiddenOrigin,
				"message": "requests from this origin are not allowed",
			}})
			return
		}
		c.Next()
	}
}

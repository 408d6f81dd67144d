package middleware

import (
	"log/slog"
	"net/http"

	"github.com/a-essam23/go-wsuser/pkg/transport"
)

// NewRequestLogger creates a middleware that logs each upgrade request with
// the identity carried in its sub-protocol offers. The email itself stays
// out of the log line.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			var ip string
			if ok {
				ip = reqMeta.IP
			}
			connID, email := transport.ParseIdentity(r.Header.Get("Sec-WebSocket-Protocol"))

			logger.Info("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
				slog.String("connID", connID),
				slog.Bool("cachedIdentity", email != ""),
			)
			next.ServeHTTP(w, r)
		})
	}
}

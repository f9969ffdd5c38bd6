package http

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const holderContextKey contextKey = "holder"

// TerminalHeader names the header scanning terminals use to identify themselves.
const TerminalHeader = "X-Terminal-ID"

// ExtractClientIP returns the caller address, preferring proxy headers over RemoteAddr.
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return strings.Trim(r.RemoteAddr[:idx], "[]")
	}
	return r.RemoteAddr
}

// ExtractHolder identifies the terminal driving a request. A terminal ID header
// wins, otherwise the client IP is used.
func ExtractHolder(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(TerminalHeader)); id != "" {
		return "terminal:" + id
	}
	return "ip:" + ExtractClientIP(r)
}

// HolderFromContext returns the holder stored by HolderMiddleware.
func HolderFromContext(ctx context.Context) string {
	holder, _ := ctx.Value(holderContextKey).(string)
	return holder
}

// WithHolder stores a holder in ctx.
func WithHolder(ctx context.Context, holder string) context.Context {
	return context.WithValue(ctx, holderContextKey, holder)
}

func HolderMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithHolder(r.Context(), ExtractHolder(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

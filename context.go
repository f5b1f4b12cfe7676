package authgate

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPContextKey struct{}
type userAgentContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the caller's User-Agent to ctx.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// ClientInfoFromContext returns the values set by WithClientIP and WithUserAgent.
func ClientInfoFromContext(ctx context.Context) ClientInfo {
	if ctx == nil {
		return ClientInfo{}
	}
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	ua, _ := ctx.Value(userAgentContextKey{}).(string)
	return ClientInfo{IP: ip, UserAgent: ua}
}

// ClientInfoFromRequest prefers context values and falls back to the
// request's remote address and User-Agent header. Forwarding headers are not
// trusted here; a proxy-aware middleware should set WithClientIP instead.
func ClientInfoFromRequest(r *http.Request) ClientInfo {
	info := ClientInfoFromContext(r.Context())
	if info.IP == "" {
		info.IP = remoteIP(r.RemoteAddr)
	}
	if info.UserAgent == "" {
		info.UserAgent = r.UserAgent()
	}
	return info
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return strings.TrimSpace(addr)
	}
	return host
}

package web

import (
	"context"
	"net/http"

	"github.com/endeavourhealth/transforms/internal/core"
)

// WithRequestMetadata adds the client address and user agent to ctx so
// runs can be attributed in the logs.
func WithRequestMetadata(ctx context.Context, r *http.Request) context.Context {
	ctx = core.ContextWithClientIP(ctx, r.RemoteAddr) // already rewritten by TrustedRealIP
	ctx = core.ContextWithUserAgent(ctx, r.Header.Get("User-Agent"))
	return ctx
}

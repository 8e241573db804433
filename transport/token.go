package transport

import (
	"context"
	"net/http"
	"net/url"
)

// TokenProvider supplies the bearer token attached to every dial and poll
// request. Implementations may refresh tokens; the transport asks again
// before each connection attempt.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed token. An empty token
// disables authentication.
type StaticToken string

// Token implements TokenProvider.
func (t StaticToken) Token(_ context.Context) (string, error) {
	return string(t), nil
}

// authorize resolves the token and applies it to the request headers, or to
// the URL query when the configuration asks for it.
func authorize(ctx context.Context, provider TokenProvider, cfg Config, header http.Header, u *url.URL) error {
	if provider == nil {
		return nil
	}
	token, err := provider.Token(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}
	if cfg.TokenInQuery && u != nil {
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()
		return nil
	}
	header.Set("Authorization", "Bearer "+token)
	return nil
}

// cloneHeader copies configured headers so per-attempt mutation never leaks
// into the shared config.
func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

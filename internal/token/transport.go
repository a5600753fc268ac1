package token

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/cartescolaire/internal/cache"
	"github.com/JakeFAU/cartescolaire/internal/result"
)

const (
	// CacheKey is the single key under which the token is cached.
	CacheKey = "csrf-token"
	// QueryParam is the query parameter the portal reads the token from.
	QueryParam = "_token"
	// StatusPageExpired is answered by the portal when the token is stale.
	StatusPageExpired = 419
)

// Fetcher produces a fresh token.
type Fetcher interface {
	Fetch(ctx context.Context) result.Result[string]
}

// Store is the cache-aside store holding the token.
type Store interface {
	GetOrSet(ctx context.Context, key string, factory cache.Factory[string]) (string, error)
	Remove(key string)
}

// Transport injects the cached CSRF token into every request before handing
// it to next. It never returns an error of its own: when no token can be
// obtained it answers with a synthesized 500 whose reason phrase and body
// carry the failure.
type Transport struct {
	next    http.RoundTripper
	fetcher Fetcher
	store   Store
	jar     http.CookieJar
	logger  *zap.Logger
}

// NewTransport wraps next with token injection.
func NewTransport(next http.RoundTripper, fetcher Fetcher, store Store, logger *zap.Logger) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		next:    next,
		fetcher: fetcher,
		store:   store,
		logger:  logger.Named("token"),
	}
}

// SetCookieJar makes the transport re-read session cookies from jar once the
// token is resolved. http.Client copies jar cookies onto the request before
// RoundTrip, which is too early when resolving the token is what set them.
func (t *Transport) SetCookieJar(jar http.CookieJar) *Transport {
	t.jar = jar
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil {
		closeBody(req)
		return failureResponse(req, "Invalid request: missing request URI."), nil
	}

	res := t.resolve(req.Context())
	if res.IsFailure() {
		closeBody(req)
		return failureResponse(req, "Failed to acquire CSRF token. Reason: "+res.Reason()), nil
	}
	tok := res.Value()
	if strings.TrimSpace(tok) == "" {
		closeBody(req)
		return failureResponse(req, "Token acquisition failed, resulting in an empty token."), nil
	}

	out := req.Clone(req.Context())
	q := out.URL.Query()
	q.Set(QueryParam, tok)
	out.URL.RawQuery = q.Encode()
	t.syncCookies(out)

	resp, err := t.next.RoundTrip(out)
	if err == nil && resp.StatusCode == StatusPageExpired {
		t.store.Remove(CacheKey)
		t.logger.Warn("portal rejected CSRF token, evicted from cache")
	}
	return resp, err
}

func (t *Transport) resolve(ctx context.Context) result.Result[string] {
	tok, err := t.store.GetOrSet(ctx, CacheKey, func(ctx context.Context) (string, error) {
		res := t.fetcher.Fetch(ctx)
		return res.ValueOr(""), res.Err()
	})
	if err != nil && ctx.Err() != nil {
		return result.Failure[string]("Token request was canceled.")
	}
	return result.FromError(tok, err)
}

// syncCookies replaces same-named cookies on req with the jar's current ones.
func (t *Transport) syncCookies(req *http.Request) {
	if t.jar == nil {
		return
	}
	fromJar := t.jar.Cookies(req.URL)
	if len(fromJar) == 0 {
		return
	}
	names := make(map[string]struct{}, len(fromJar))
	for _, c := range fromJar {
		names[c.Name] = struct{}{}
	}
	kept := req.Cookies()
	req.Header.Del("Cookie")
	for _, c := range kept {
		if _, ok := names[c.Name]; !ok {
			req.AddCookie(c)
		}
	}
	for _, c := range fromJar {
		req.AddCookie(c)
	}
}

func failureResponse(req *http.Request, reason string) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusInternalServerError, reason),
		StatusCode:    http.StatusInternalServerError,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(reason)),
		ContentLength: int64(len(reason)),
		Request:       req,
	}
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}

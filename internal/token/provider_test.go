package token

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/http/cookiejar"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cartescolaire/internal/extract"
	"github.com/JakeFAU/cartescolaire/internal/transport"
)

func tokenPage(input string) string {
	return fmt.Sprintf(`<!DOCTYPE html><html><body>
<form action="/get-matricule" method="get">%s<input type="text" name="student_name"></form>
</body></html>`, input)
}

func serveHTML(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/minesec" {
			http.NotFound(w, r)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "portal_session", Value: "s1", Path: "/"})
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_, _ = fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newProvider(t *testing.T, baseURL string, jar http.CookieJar) *Provider {
	t.Helper()
	sel := extract.DefaultSelectors()
	p, err := NewProvider(ProviderOptions{
		BaseURL:   baseURL,
		Path:      "/minesec",
		Selector:  sel.Token,
		Attribute: sel.TokenAttribute,
		UserAgent: "cartescolaire-test",
		Jar:       jar,
	}, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestProviderFetchSuccess(t *testing.T) {
	t.Parallel()

	srv := serveHTML(t, http.StatusOK, tokenPage(`<input type="hidden" name="_token" value="  Yk3lP9qWm2zXc8vBn4tR ">`))
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	res := newProvider(t, srv.URL, jar).Fetch(context.Background())
	require.True(t, res.IsSuccess(), "unexpected failure: %v", res)
	require.Equal(t, "Yk3lP9qWm2zXc8vBn4tR", res.Value())

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/get-matricule", nil)
	require.NoError(t, err)
	require.NotEmpty(t, jar.Cookies(req.URL), "session cookie should be shared through the jar")
}

func TestProviderFetchFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{
			name:   "element not found",
			status: http.StatusOK,
			body:   tokenPage(`<input type="hidden" name="other" value="x">`),
			want:   "CSRF token element not found. Selector: input[type='hidden'][name='_token']",
		},
		{
			name:   "attribute missing",
			status: http.StatusOK,
			body:   tokenPage(`<input type="hidden" name="_token">`),
			want:   `CSRF token element found but "value" attribute is missing`,
		},
		{
			name:   "empty value",
			status: http.StatusOK,
			body:   tokenPage(`<input type="hidden" name="_token" value="   ">`),
			want:   `CSRF token "value" attribute is empty`,
		},
		{
			name:   "non-success status",
			status: http.StatusForbidden,
			body:   "nope",
			want:   "Failed to retrieve token page. Status code: 403 [Forbidden]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := serveHTML(t, tt.status, tt.body)
			res := newProvider(t, srv.URL, nil).Fetch(context.Background())
			require.True(t, res.IsFailure())
			require.Equal(t, tt.want, res.Reason())
		})
	}
}

func TestProviderFetchNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	res := newProvider(t, base, nil).Fetch(context.Background())
	require.True(t, res.IsFailure())
	require.Contains(t, res.Reason(), "Network error while fetching page for CSRF token from "+base)
}

func TestProviderFetchThroughResilientTransport(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	opts := transport.DefaultOptions()
	opts.AttemptTimeout = time.Second
	opts.TotalTimeout = 5 * time.Second
	opts.MaxRetries = 1
	opts.BackoffBase = time.Millisecond
	opts.BackoffMax = 2 * time.Millisecond
	opts.Breaker.MinimumThroughput = 2
	opts.Breaker.FailureRatio = 0.5
	opts.Breaker.BreakDuration = time.Minute
	rt := transport.NewResilient("token-test", http.DefaultTransport, opts, zap.NewNop())

	sel := extract.DefaultSelectors()
	p, err := NewProvider(ProviderOptions{
		BaseURL:   base,
		Path:      "/minesec",
		Selector:  sel.Token,
		Attribute: sel.TokenAttribute,
		Transport: rt,
	}, zap.NewNop())
	require.NoError(t, err)

	res := p.Fetch(context.Background())
	require.True(t, res.IsFailure())
	require.Contains(t, res.Reason(), "Network error while fetching page for CSRF token from "+base)
	require.NotContains(t, res.Reason(), "canceled")

	res = p.Fetch(context.Background())
	require.True(t, res.IsFailure())
	require.Contains(t, res.Reason(), "circuit breaker is open")
	require.NotContains(t, res.Reason(), "canceled")
}

func TestProviderFetchCanceled(t *testing.T) {
	t.Parallel()

	srv := serveHTML(t, http.StatusOK, tokenPage(`<input type="hidden" name="_token" value="abc123456">`))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := newProvider(t, srv.URL, nil).Fetch(ctx)
	require.True(t, res.IsFailure())
	require.Equal(t, fmt.Sprintf("Token fetch from %s was canceled.", srv.URL), res.Reason())
}

func TestNewProviderRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := NewProvider(ProviderOptions{BaseURL: "not a url", Selector: "input", Attribute: "value"}, nil)
	require.Error(t, err)

	_, err = NewProvider(ProviderOptions{BaseURL: "https://cartescolaire.cm"}, nil)
	require.Error(t, err)
}

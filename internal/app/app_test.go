// Package app_test contains unit tests for the app package.
package app_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cartescolaire/internal/app"
	"github.com/JakeFAU/cartescolaire/internal/config"
	"github.com/JakeFAU/cartescolaire/internal/student"
)

const landingPage = `<html><body><form>
<input type="hidden" name="_token" value="csrf-abcdef123">
</form></body></html>`

const resultsPage = `<html><body>
<div class="result-item">
  <p class="actual-matricule">mat-42</p>
  <p class="title">Nguema Paul</p>
  <p class="student-year">2011-09-01</p>
  <p class="subtitle">Lycee de Biyem-Assi</p>
  <p class="student-class">5e</p>
  <div class="gender"><p>M</p></div>
</div>
</body></html>`

type portal struct {
	*httptest.Server
	tokenHits atomic.Int32
}

func newPortal(t *testing.T) *portal {
	t.Helper()
	p := &portal{}
	mux := http.NewServeMux()
	mux.HandleFunc("/minesec", func(w http.ResponseWriter, _ *http.Request) {
		p.tokenHits.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "portal_session", Value: "s1", Path: "/"})
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, landingPage)
	})
	mux.HandleFunc("/get-matricule", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("_token") != "csrf-abcdef123" {
			w.WriteHeader(419)
			return
		}
		if c, err := r.Cookie("portal_session"); err != nil || c.Value != "s1" {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, resultsPage)
	})
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Portal.BaseURL = baseURL
	return cfg
}

func TestNewWiresSearchPipeline(t *testing.T) {
	t.Parallel()

	p := newPortal(t)
	a, err := app.New(testConfig(t, p.URL), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	q, err := student.NewQuery("1234", "nguema")
	require.NoError(t, err)

	for range 2 {
		res := a.GetSearcher().Search(context.Background(), q)
		require.True(t, res.IsSuccess(), "unexpected failure: %v", res)
		require.Len(t, res.Value(), 1)
		require.Equal(t, "MAT-42", res.Value()[0].RegistrationID)
		require.Equal(t, "NGUEMA PAUL", res.Value()[0].Name)
	}
	require.Equal(t, int32(1), p.tokenHits.Load())
}

func TestNewReportsTokenFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	a, err := app.New(testConfig(t, srv.URL), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	q, err := student.NewQuery("1234", "nguema")
	require.NoError(t, err)
	res := a.GetSearcher().Search(context.Background(), q)
	require.True(t, res.IsFailure())
	require.Contains(t, res.Reason(), "Failed to acquire CSRF token. Reason: Failed to retrieve token page. Status code: 404")
}

func TestSearchReportsNetworkAndOpenCircuit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	cfg := testConfig(t, base)
	cfg.Resilience.MaxRetries = 1
	cfg.Resilience.BackoffBase = time.Millisecond
	cfg.Resilience.BackoffMax = 2 * time.Millisecond
	cfg.Resilience.Breaker.MinimumThroughput = 2
	cfg.Resilience.Breaker.FailureRatio = 0.5
	cfg.Token.FailSafeThrottle = 0
	a, err := app.New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	q, err := student.NewQuery("1234", "nguema")
	require.NoError(t, err)

	res := a.GetSearcher().Search(context.Background(), q)
	require.True(t, res.IsFailure())
	require.Contains(t, res.Reason(), "Network error while fetching page for CSRF token from "+base)
	require.NotContains(t, res.Reason(), "canceled")

	res = a.GetSearcher().Search(context.Background(), q)
	require.True(t, res.IsFailure())
	require.Contains(t, res.Reason(), "circuit breaker is open")
	require.NotContains(t, res.Reason(), "canceled")
}

func TestSearchTripsSearchCircuit(t *testing.T) {
	t.Parallel()

	var searchHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/minesec", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, landingPage)
	})
	mux.HandleFunc("/get-matricule", func(w http.ResponseWriter, _ *http.Request) {
		searchHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL)
	cfg.Resilience.MaxRetries = 0
	cfg.Resilience.Breaker.MinimumThroughput = 2
	cfg.Resilience.Breaker.FailureRatio = 0.5
	a, err := app.New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	q, err := student.NewQuery("1234", "nguema")
	require.NoError(t, err)

	for range 2 {
		res := a.GetSearcher().Search(context.Background(), q)
		require.Equal(t, "Failed to retrieve data. Status code: 502 [Bad Gateway]", res.Reason())
	}
	res := a.GetSearcher().Search(context.Background(), q)
	require.True(t, res.IsFailure())
	require.Contains(t, res.Reason(), "circuit breaker is open")
	require.NotContains(t, res.Reason(), "canceled")
	require.Equal(t, int32(2), searchHits.Load())
}

func TestNewRejectsInvalidPortal(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://cartescolaire.cm")
	cfg.Portal.BaseURL = "not a url"
	_, err := app.New(cfg, zap.NewNop())
	require.ErrorContains(t, err, "init token provider")
}

func TestGetConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://cartescolaire.cm")
	a, err := app.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.Equal(t, cfg.Portal, a.GetConfig().Portal)
	require.NotNil(t, a.GetLogger())
}

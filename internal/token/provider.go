// Package token acquires the portal's CSRF token and attaches it to
// outbound requests.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/cartescolaire/internal/logging"
	"github.com/JakeFAU/cartescolaire/internal/metrics"
	"github.com/JakeFAU/cartescolaire/internal/result"
	"github.com/JakeFAU/cartescolaire/internal/transport"
)

// Fetch outcomes reported to metrics.
const (
	outcomeSuccess  = "success"
	outcomeCanceled = "canceled"
	outcomeStatus   = "status"
	outcomeNetwork  = "network"
	outcomeBreaker  = "circuit_open"
	outcomeNotFound = "element_not_found"
	outcomeNoValue  = "missing_value"
	outcomeEmpty    = "empty_value"
)

// ProviderOptions configures a Provider.
type ProviderOptions struct {
	BaseURL   string
	Path      string
	Selector  string
	Attribute string
	UserAgent string
	// Transport carries the token page request; nil uses the default transport.
	Transport http.RoundTripper
	// Jar is shared with the search client so the session cookie follows.
	Jar http.CookieJar
	// RequestTimeout bounds the whole fetch at the client level. Zero disables it.
	RequestTimeout time.Duration
}

// Provider fetches the landing page and reads the hidden CSRF input.
type Provider struct {
	collector *colly.Collector
	baseURL   string
	pageURL   string
	selector  string
	attribute string
	logger    *zap.Logger
}

// NewProvider builds a Provider for the page at BaseURL + Path.
func NewProvider(opts ProviderOptions, logger *zap.Logger) (*Provider, error) {
	base, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("token provider: invalid base url %q", opts.BaseURL)
	}
	if opts.Selector == "" || opts.Attribute == "" {
		return nil, errors.New("token provider: selector and attribute are required")
	}
	page := base.JoinPath(opts.Path)

	c := colly.NewCollector(colly.AllowURLRevisit())
	if opts.UserAgent != "" {
		c.UserAgent = opts.UserAgent
	}
	if opts.Transport != nil {
		c.WithTransport(opts.Transport)
	}
	if opts.Jar != nil {
		c.SetCookieJar(opts.Jar)
	}
	c.SetRequestTimeout(opts.RequestTimeout)

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		collector: c,
		baseURL:   base.String(),
		pageURL:   page.String(),
		selector:  opts.Selector,
		attribute: opts.Attribute,
		logger:    logger.Named("token"),
	}, nil
}

// Fetch retrieves a fresh token. Every failure carries a distinct reason.
func (p *Provider) Fetch(ctx context.Context) result.Result[string] {
	if ctx.Err() != nil {
		return p.fail(outcomeCanceled, fmt.Sprintf("Token fetch from %s was canceled.", p.baseURL))
	}

	c := p.collector.Clone()
	c.Context = ctx

	var (
		input  *tokenInput
		status int
	)
	c.OnHTML(p.selector, func(e *colly.HTMLElement) {
		if input != nil {
			return
		}
		value, ok := e.DOM.Attr(p.attribute)
		input = &tokenInput{value: value, hasAttr: ok}
	})
	c.OnError(func(r *colly.Response, _ error) {
		if r != nil {
			status = r.StatusCode
		}
	})

	if err := c.Visit(p.pageURL); err != nil {
		return p.visitFailure(ctx, err, status)
	}

	outcome := outcomeNotFound
	res := result.Bind(
		result.FromPtr(input, fmt.Sprintf("CSRF token element not found. Selector: %s", p.selector)),
		func(in tokenInput) result.Result[string] {
			if !in.hasAttr {
				outcome = outcomeNoValue
				return result.Failuref[string]("CSRF token element found but %q attribute is missing", p.attribute)
			}
			outcome = outcomeEmpty
			return result.Success(in.value)
		})
	res = result.Map(res, strings.TrimSpace).
		Ensure(func(tok string) bool { return tok != "" }, fmt.Sprintf("CSRF token %q attribute is empty", p.attribute))

	return result.Match(res,
		func(tok string) result.Result[string] {
			metrics.ObserveTokenFetch(outcomeSuccess)
			p.logger.Info("CSRF token acquired", zap.String("url", p.pageURL), logging.Token(tok))
			return res
		},
		func(reason string) result.Result[string] { return p.fail(outcome, reason) })
}

// tokenInput is the first element matched by the token selector.
type tokenInput struct {
	value   string
	hasAttr bool
}

func (p *Provider) visitFailure(ctx context.Context, err error, status int) result.Result[string] {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return p.fail(outcomeCanceled, fmt.Sprintf("Token fetch from %s was canceled.", p.baseURL))
	case errors.Is(err, transport.ErrCircuitOpen):
		return p.fail(outcomeBreaker, fmt.Sprintf("Network error while fetching page for CSRF token from %s: %v",
			p.baseURL, err))
	case status != 0:
		return p.fail(outcomeStatus, fmt.Sprintf("Failed to retrieve token page. Status code: %d [%s]",
			status, http.StatusText(status)))
	default:
		return p.fail(outcomeNetwork, fmt.Sprintf("Network error while fetching page for CSRF token from %s: %v",
			p.baseURL, err))
	}
}

func (p *Provider) fail(outcome, reason string) result.Result[string] {
	metrics.ObserveTokenFetch(outcome)
	p.logger.Warn("CSRF token fetch failed",
		zap.String("url", p.pageURL),
		zap.String("outcome", outcome),
		zap.String("reason", reason))
	return result.Failure[string](reason)
}

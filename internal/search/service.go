// Package search queries the portal for students and hands the result page
// to the extractor.
package search

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/cartescolaire/internal/extract"
	"github.com/JakeFAU/cartescolaire/internal/metrics"
	"github.com/JakeFAU/cartescolaire/internal/result"
	"github.com/JakeFAU/cartescolaire/internal/student"
)

// Search outcomes reported to metrics.
const (
	outcomeSuccess  = "success"
	outcomeNoMatch  = "no_match"
	outcomeFailure  = "failure"
	outcomeCanceled = "canceled"
)

// Extractor parses a result page into records.
type Extractor interface {
	Extract(ctx context.Context, body io.Reader) result.Result[[]student.Record]
}

// Searcher looks students up on the portal. Service implements it.
type Searcher interface {
	Search(ctx context.Context, q student.Query) result.Result[[]student.Record]
}

// Options configures a Service.
type Options struct {
	BaseURL    string
	SearchPath string
	UserAgent  string
	// Transport is the decorated round tripper (token injection, resilience).
	Transport http.RoundTripper
	// Jar is shared with the token provider.
	Jar http.CookieJar
}

// Service performs student searches against the portal.
type Service struct {
	client    *resty.Client
	baseURL   string
	path      string
	extractor Extractor
	logger    *zap.Logger
}

// NewService builds a Service. A blank BaseURL is accepted here and reported
// by every Search call.
func NewService(opts Options, extractor Extractor, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("search")

	client := resty.New().
		SetBaseURL(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")).
		SetLogger(logger.Sugar()).
		SetHeader("Accept", "text/html")
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}
	if opts.Transport != nil {
		client.SetTransport(opts.Transport)
	}
	if opts.Jar != nil {
		client.SetCookieJar(opts.Jar)
	}

	return &Service{
		client:    client,
		baseURL:   strings.TrimSpace(opts.BaseURL),
		path:      opts.SearchPath,
		extractor: extractor,
		logger:    logger,
	}
}

// Search looks up students matching q. It never panics; every problem is
// reported as a failure.
func (s *Service) Search(ctx context.Context, q student.Query) (res result.Result[[]student.Record]) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("search panicked", zap.Any("panic", rec), zap.Stringer("query", q))
			res = result.Failuref[[]student.Record]("An unexpected error occurred: %v", rec)
		}
		metrics.ObserveSearch(outcomeOf(ctx, res))
	}()

	if s.baseURL == "" {
		return result.Failure[[]student.Record]("Search failed: portal base address is not configured.")
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParamsFromValues(q.Values()).
		SetDoNotParseResponse(true).
		Get(s.path)
	if err != nil {
		if ctx.Err() != nil {
			return result.Failure[[]student.Record]("Search was canceled.")
		}
		s.logger.Warn("search request failed", zap.Stringer("query", q), zap.Error(err))
		return result.Failuref[[]student.Record]("An unexpected error occurred: %v", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if !resp.IsSuccess() {
		if ctx.Err() != nil {
			return result.Failure[[]student.Record]("Search was canceled.")
		}
		reason := reasonPhrase(resp.StatusCode(), resp.Status())
		s.logger.Warn("search returned non-success status",
			zap.Stringer("query", q),
			zap.Int("status", resp.StatusCode()),
			zap.String("reason", reason))
		return result.Failuref[[]student.Record]("Failed to retrieve data. Status code: %d [%s]", resp.StatusCode(), reason)
	}

	return s.extractor.Extract(ctx, body)
}

// reasonPhrase strips the numeric code from an HTTP status line.
func reasonPhrase(code int, status string) string {
	reason := strings.TrimSpace(strings.TrimPrefix(status, strconv.Itoa(code)))
	if reason == "" {
		reason = http.StatusText(code)
	}
	return reason
}

func outcomeOf(ctx context.Context, res result.Result[[]student.Record]) string {
	switch {
	case res.IsSuccess():
		return outcomeSuccess
	case ctx.Err() != nil:
		return outcomeCanceled
	case res.Reason() == extract.ReasonNoMatches:
		return outcomeNoMatch
	default:
		return outcomeFailure
	}
}

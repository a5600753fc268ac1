// Package extract turns a search results page into student records.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/cartescolaire/internal/metrics"
	"github.com/JakeFAU/cartescolaire/internal/result"
	"github.com/JakeFAU/cartescolaire/internal/student"
)

// ReasonNoMatches is the failure reason when the row selector matches nothing.
const ReasonNoMatches = "No matching items found"

// dateLayouts are tried in order; the first that parses wins.
var dateLayouts = []string{"2006-01-02", "01/02/2006"}

// Extractor parses result pages with a fixed set of selectors.
type Extractor struct {
	selectors Selectors
	workers   int
	logger    *zap.Logger
}

// New builds an Extractor. workers bounds concurrent row extraction and
// defaults to GOMAXPROCS when <= 0.
func New(selectors Selectors, workers int, logger *zap.Logger) *Extractor {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		selectors: selectors,
		workers:   workers,
		logger:    logger.Named("extract"),
	}
}

// Extract parses body and returns one record per row, in document order.
// A document without any row is a failure, not an empty success.
func (e *Extractor) Extract(ctx context.Context, body io.Reader) result.Result[[]student.Record] {
	start := time.Now()
	res := result.Try(func() ([]student.Record, error) {
		return e.extract(ctx, body)
	}, func(err error) string {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return "Extraction was canceled."
		case errors.Is(err, errNoRows):
			return ReasonNoMatches
		default:
			return err.Error()
		}
	})

	elapsed := time.Since(start)
	res.OnSuccess(func(records []student.Record) {
		metrics.ObserveExtraction(elapsed, len(records))
		e.logger.Debug("records extracted",
			zap.Int("count", len(records)),
			zap.Duration("elapsed", elapsed))
	}).OnFailure(func(reason string) {
		metrics.ObserveExtraction(elapsed, 0)
		e.logger.Debug("extraction failed", zap.String("reason", reason))
	})
	return res
}

var errNoRows = errors.New("no rows")

func (e *Extractor) extract(ctx context.Context, body io.Reader) ([]student.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		e.logger.Error("failed to parse HTML document", zap.Error(err))
		return nil, fmt.Errorf("failed to parse HTML document: %w", err)
	}

	rows := doc.Find(e.selectors.Row)
	if rows.Length() == 0 {
		return nil, errNoRows
	}

	records := make([]student.Record, rows.Length())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	rows.EachWithBreak(func(i int, row *goquery.Selection) bool {
		if gctx.Err() != nil {
			return false
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			records[i] = e.record(row)
			return nil
		})
		return true
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (e *Extractor) record(row *goquery.Selection) student.Record {
	rec := student.Record{
		RegistrationID: text(row, e.selectors.RegistrationID),
		Name:           text(row, e.selectors.Name),
		SchoolName:     text(row, e.selectors.SchoolName),
		Class:          text(row, e.selectors.Class),
		Gender:         student.Unspecified,
	}
	if gender, ok := rawText(row, e.selectors.Gender); ok {
		rec.Gender = student.ParseGender(gender)
	}
	if dob, ok := rawText(row, e.selectors.DateOfBirth); ok {
		rec.DateOfBirth = parseDate(dob)
	}
	return rec
}

// text returns the normalized text of the first match, or NotAvailable.
func text(row *goquery.Selection, selector string) string {
	raw, ok := rawText(row, selector)
	if !ok {
		return student.NotAvailable
	}
	return strings.ToUpper(raw)
}

func rawText(row *goquery.Selection, selector string) (string, bool) {
	sel := row.Find(selector).First()
	if sel.Length() == 0 {
		return "", false
	}
	return strings.TrimSpace(sel.Text()), true
}

func parseDate(raw string) *civil.Date {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			d := civil.DateOf(t)
			return &d
		}
	}
	return nil
}

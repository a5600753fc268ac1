package extract

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"testing/iotest"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cartescolaire/internal/student"
)

const resultsPage = `<!DOCTYPE html>
<html><body>
<div class="results">
  <div class="result-item">
    <p class="actual-matricule"> mat-001 </p>
    <p class="title">Dupont Jean</p>
    <p class="student-year">2012-03-15</p>
    <p class="subtitle">Lycee de Biyem-Assi</p>
    <p class="student-class">6e A</p>
    <div class="gender"><p>m</p></div>
  </div>
  <div class="result-item">
    <p class="actual-matricule">MAT-002</p>
    <p class="title">Dupont Marie</p>
    <p class="student-year">03/22/2011</p>
    <p class="subtitle">Lycee de Biyem-Assi</p>
    <p class="student-class">5e B</p>
    <div class="gender"><p>F</p></div>
  </div>
</div>
</body></html>`

func newExtractor(workers int) *Extractor {
	return New(DefaultSelectors(), workers, zap.NewNop())
}

func TestExtractFullyPopulatedRows(t *testing.T) {
	t.Parallel()

	res := newExtractor(2).Extract(context.Background(), strings.NewReader(resultsPage))
	require.True(t, res.IsSuccess(), "unexpected failure: %v", res)

	records := res.Value()
	require.Len(t, records, 2)
	require.Equal(t, student.Record{
		RegistrationID: "MAT-001",
		Name:           "DUPONT JEAN",
		DateOfBirth:    &civil.Date{Year: 2012, Month: 3, Day: 15},
		Gender:         student.Male,
		SchoolName:     "LYCEE DE BIYEM-ASSI",
		Class:          "6E A",
	}, records[0])
	require.Equal(t, "MAT-002", records[1].RegistrationID)
	require.Equal(t, &civil.Date{Year: 2011, Month: 3, Day: 22}, records[1].DateOfBirth)
	require.Equal(t, student.Female, records[1].Gender)
}

func TestExtractMissingFieldsFallBack(t *testing.T) {
	t.Parallel()

	page := `<div class="result-item"><p class="title">lone</p></div>`
	res := newExtractor(1).Extract(context.Background(), strings.NewReader(page))
	require.True(t, res.IsSuccess())

	rec := res.Value()[0]
	require.Equal(t, "LONE", rec.Name)
	require.Equal(t, student.NotAvailable, rec.RegistrationID)
	require.Equal(t, student.NotAvailable, rec.SchoolName)
	require.Equal(t, student.NotAvailable, rec.Class)
	require.Nil(t, rec.DateOfBirth)
	require.Equal(t, student.Unspecified, rec.Gender)
}

func TestExtractEmptyElementYieldsEmptyString(t *testing.T) {
	t.Parallel()

	page := `<div class="result-item">
		<p class="title">  </p>
		<p class="student-year"></p>
		<div class="gender"><p></p></div>
	</div>`
	res := newExtractor(1).Extract(context.Background(), strings.NewReader(page))
	require.True(t, res.IsSuccess())

	rec := res.Value()[0]
	require.Empty(t, rec.Name)
	require.Nil(t, rec.DateOfBirth)
	require.Equal(t, student.Unspecified, rec.Gender)
}

func TestExtractNoRowsIsFailure(t *testing.T) {
	t.Parallel()

	res := newExtractor(1).Extract(context.Background(), strings.NewReader(`<html><body><p>Aucun resultat</p></body></html>`))
	require.True(t, res.IsFailure())
	require.Equal(t, ReasonNoMatches, res.Reason())
}

func TestExtractDateOfBirthFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want *civil.Date
	}{
		{in: "2012-03-15", want: &civil.Date{Year: 2012, Month: 3, Day: 15}},
		{in: "03/22/2011", want: &civil.Date{Year: 2011, Month: 3, Day: 22}},
		{in: " 2010-01-05 ", want: &civil.Date{Year: 2010, Month: 1, Day: 5}},
		{in: "22/03/2011", want: nil},
		{in: "yesterday", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			page := fmt.Sprintf(`<div class="result-item"><p class="student-year">%s</p></div>`, tt.in)
			res := newExtractor(1).Extract(context.Background(), strings.NewReader(page))
			require.True(t, res.IsSuccess())
			require.Equal(t, tt.want, res.Value()[0].DateOfBirth)
		})
	}
}

func TestExtractPreservesOrderUnderConcurrency(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	const rows = 200
	for i := range rows {
		fmt.Fprintf(&b, `<div class="result-item"><p class="actual-matricule">m-%03d</p></div>`, i)
	}

	res := newExtractor(8).Extract(context.Background(), strings.NewReader(b.String()))
	require.True(t, res.IsSuccess())
	records := res.Value()
	require.Len(t, records, rows)
	for i, rec := range records {
		require.Equal(t, fmt.Sprintf("M-%03d", i), rec.RegistrationID)
	}
}

func TestExtractCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := newExtractor(1).Extract(ctx, strings.NewReader(resultsPage))
	require.True(t, res.IsFailure())
	require.Equal(t, "Extraction was canceled.", res.Reason())
}

func TestExtractReaderErrorIsFailure(t *testing.T) {
	t.Parallel()

	res := newExtractor(1).Extract(context.Background(), iotest.ErrReader(fmt.Errorf("unexpected EOF")))
	require.True(t, res.IsFailure())
	require.Contains(t, res.Reason(), "unexpected EOF")
}

func TestSelectorsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultSelectors().Validate())

	blank := DefaultSelectors()
	blank.Row = ""
	require.ErrorContains(t, blank.Validate(), "Row")

	long := DefaultSelectors()
	long.Gender = strings.Repeat("div ", 20)
	require.ErrorContains(t, long.Validate(), "Gender")

	for _, bad := range []string{"div[", "p.title >", "input[name='_token'"} {
		broken := DefaultSelectors()
		broken.Name = bad
		err := broken.Validate()
		require.ErrorContains(t, err, "Name", "selector %q", bad)
		require.ErrorContains(t, err, "css", "selector %q", bad)
	}

	attr := DefaultSelectors()
	attr.TokenAttribute = "data-token"
	require.NoError(t, attr.Validate())
}

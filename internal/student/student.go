// Package student defines the student record returned by the portal and the
// query used to search for it.
package student

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"cloud.google.com/go/civil"
)

// NotAvailable is the value of a text field whose element is absent from a row.
const NotAvailable = "N/A"

// Query parameter names expected by the portal search endpoint.
const (
	ParamName       = "student_name"
	ParamSchoolCode = "school_code"
)

var (
	// ErrBlankSchoolID indicates a query without a school identifier.
	ErrBlankSchoolID = errors.New("school id must not be blank")
	// ErrBlankName indicates a query without a student name.
	ErrBlankName = errors.New("student name must not be blank")
)

// Gender is the normalized gender of a student.
type Gender int

const (
	// Unspecified covers any gender text other than M or F, including none.
	Unspecified Gender = iota
	// Male is mapped from "M".
	Male
	// Female is mapped from "F".
	Female
)

// ParseGender maps portal text to a Gender, ignoring case and surrounding space.
func ParseGender(text string) Gender {
	switch strings.ToUpper(strings.TrimSpace(text)) {
	case "M":
		return Male
	case "F":
		return Female
	default:
		return Unspecified
	}
}

func (g Gender) String() string {
	switch g {
	case Male:
		return "Male"
	case Female:
		return "Female"
	default:
		return "Unspecified"
	}
}

// MarshalText renders the gender name, so JSON output reads "Male" not 1.
func (g Gender) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// Record is one student row scraped from the search results page.
// Text fields are upper-cased and trimmed; absent fields hold NotAvailable.
type Record struct {
	RegistrationID string      `json:"registration_id"`
	Name           string      `json:"name"`
	DateOfBirth    *civil.Date `json:"date_of_birth,omitempty"`
	Gender         Gender      `json:"gender"`
	SchoolName     string      `json:"school_name"`
	Class          string      `json:"class"`
}

// Query identifies the students to search for.
type Query struct {
	schoolID string
	name     string
}

// NewQuery validates and normalizes a search query.
func NewQuery(schoolID, name string) (Query, error) {
	schoolID = strings.ToUpper(strings.TrimSpace(schoolID))
	name = strings.ToUpper(strings.TrimSpace(name))
	if schoolID == "" {
		return Query{}, ErrBlankSchoolID
	}
	if name == "" {
		return Query{}, ErrBlankName
	}
	return Query{schoolID: schoolID, name: name}, nil
}

// SchoolID returns the upper-cased school identifier.
func (q Query) SchoolID() string { return q.schoolID }

// Name returns the upper-cased student name.
func (q Query) Name() string { return q.name }

// Values encodes the query as the portal's search parameters.
func (q Query) Values() url.Values {
	return url.Values{
		ParamName:       []string{q.name},
		ParamSchoolCode: []string{q.schoolID},
	}
}

func (q Query) String() string {
	return fmt.Sprintf("school=%s name=%s", q.schoolID, q.name)
}

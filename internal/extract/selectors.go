package extract

import (
	"fmt"

	"github.com/andybalholm/cascadia"
	"github.com/go-playground/validator/v10"
)

// Selectors are the CSS selectors locating each field on the portal pages.
type Selectors struct {
	Row            string `mapstructure:"row" validate:"required,max=50,css"`
	RegistrationID string `mapstructure:"registration_id" validate:"required,max=50,css"`
	Name           string `mapstructure:"name" validate:"required,max=50,css"`
	DateOfBirth    string `mapstructure:"date_of_birth" validate:"required,max=50,css"`
	SchoolName     string `mapstructure:"school_name" validate:"required,max=50,css"`
	Class          string `mapstructure:"class" validate:"required,max=50,css"`
	Gender         string `mapstructure:"gender" validate:"required,max=50,css"`
	Token          string `mapstructure:"token" validate:"required,max=50,css"`
	TokenAttribute string `mapstructure:"token_attribute" validate:"required,max=50"`
}

// DefaultSelectors matches the current portal markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Row:            "div.result-item",
		RegistrationID: "p.actual-matricule",
		Name:           "p.title",
		DateOfBirth:    "p.student-year",
		SchoolName:     "p.subtitle",
		Class:          "p.student-class",
		Gender:         "div.gender > p",
		Token:          "input[type='hidden'][name='_token']",
		TokenAttribute: "value",
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// goquery matches nothing for a selector it cannot compile, which would
	// look like an empty result page.
	if err := v.RegisterValidation("css", func(fl validator.FieldLevel) bool {
		_, err := cascadia.Compile(fl.Field().String())
		return err == nil
	}); err != nil {
		panic(err)
	}
	return v
}

// Validate ensures every selector is set, reasonably short and compiles.
func (s Selectors) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid selectors: %w", err)
	}
	return nil
}

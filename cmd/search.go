package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/cartescolaire/internal/student"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

var cellStyle = lipgloss.NewStyle().Padding(0, 1)

type searchOptions struct {
	school string
	name   string
	output string
}

// newSearchCmd creates the 'search' subcommand, a one-shot portal lookup.
func newSearchCmd() *cobra.Command {
	opts := &searchOptions{}
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Looks up students by school code and name",
		Long: `Queries the portal once for students matching a school code and a
student name, and prints the records. A lookup that finds nothing or fails
prints the reason and exits with status 1.`,
		Example: `  cartescolaire search --school 1234 --name "Dupont"
  cartescolaire search --school 1234 --name "Dupont" --output json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSearch(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.school, "school", "", "school code")
	cmd.Flags().StringVar(&opts.name, "name", "", "student name (or part of it)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", outputTable, "output format: table or json")
	return cmd
}

func runSearch(cmd *cobra.Command, opts *searchOptions) error {
	if opts.output != outputTable && opts.output != outputJSON {
		return fmt.Errorf("unknown output format %q (want %s or %s)", opts.output, outputTable, outputJSON)
	}
	q, err := student.NewQuery(opts.school, opts.name)
	if err != nil {
		return fmt.Errorf("invalid query: %w", err)
	}

	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	res := appInstance.GetSearcher().Search(cmd.Context(), q)
	if res.IsFailure() {
		return fmt.Errorf("search failed: %s", res.Reason())
	}

	if opts.output == outputJSON {
		return writeRecordsJSON(cmd.OutOrStdout(), res.Value())
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), renderRecords(res.Value()))
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func writeRecordsJSON(w io.Writer, records []student.Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	return nil
}

func renderRecords(records []student.Record) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("REGISTRATION ID", "NAME", "DATE OF BIRTH", "GENDER", "SCHOOL", "CLASS").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, r := range records {
		dob := student.NotAvailable
		if r.DateOfBirth != nil {
			dob = r.DateOfBirth.String()
		}
		t.Row(r.RegistrationID, r.Name, dob, r.Gender.String(), r.SchoolName, r.Class)
	}
	return t.String()
}

// Package output provides adapters for writing application output.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// Format selects how a batch report is rendered.
type Format string

// Supported formats.
const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
)

// ParseFormat validates a format name. Empty selects the table format.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (want table or json)", s)
	}
}

// Writer writes batch reports to the configured output destination.
// By default, it writes tables to stdout.
type Writer struct {
	out    io.Writer
	format Format
}

// NewWriter creates a new Writer that writes to stdout.
func NewWriter(format Format) *Writer {
	return &Writer{out: os.Stdout, format: format}
}

// NewWriterWithOutput creates a new Writer with a custom output destination.
// This is useful for testing.
func NewWriterWithOutput(out io.Writer, format Format) *Writer {
	return &Writer{out: out, format: format}
}

// WriteReport implements domain.ReportWriter.
func (w *Writer) WriteReport(result domain.BatchResult) error {
	if w.format == FormatJSON {
		return w.writeJSON(result)
	}
	return w.writeTable(result)
}

type jsonSummary struct {
	Total    int `json:"total"`
	Success  int `json:"success"`
	Partial  int `json:"partial"`
	Failed   int `json:"failed"`
	NoChange int `json:"no_change"`
	PRs      int `json:"pull_requests"`
}

type jsonReport struct {
	domain.BatchResult
	Summary jsonSummary `json:"summary"`
}

func (w *Writer) writeJSON(result domain.BatchResult) error {
	c := result.Counts()
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonReport{
		BatchResult: result,
		Summary: jsonSummary{
			Total:    c.Total,
			Success:  c.Success,
			Partial:  c.Partial,
			Failed:   c.Failed,
			NoChange: c.NoChange,
			PRs:      c.PRs,
		},
	})
}

func newTable(out io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetAutoWrapText(false)
	return table
}

func (w *Writer) writeTable(result domain.BatchResult) error {
	var b strings.Builder
	if result.DryRun {
		b.WriteString("DRY RUN: nothing was written to any repository\n\n")
	}

	repos := newTable(&b, []string{"Repository", "Outcome", "Files", "Branch", "Pull Request", "Error"})
	for _, r := range result.Repositories {
		repos.Append([]string{
			r.Repository,
			string(r.Outcome),
			fmt.Sprintf("%d/%d", r.CommittedFiles(), len(r.Files)),
			r.Branch,
			pullRequestCell(r.PullRequest),
			r.ErrorText(),
		})
	}
	c := result.Counts()
	repos.SetFooter([]string{
		fmt.Sprintf("Total %d", c.Total),
		fmt.Sprintf("%d ok %d partial %d failed", c.Success, c.Partial, c.Failed),
		"", "",
		fmt.Sprintf("%d PRs", c.PRs),
		"",
	})
	repos.Render()

	if rows := changeRows(result); len(rows) > 0 {
		b.WriteString("\n")
		changes := newTable(&b, []string{"Repository", "File", "Action", "Change"})
		changes.AppendBulk(rows)
		changes.Render()
	}

	if result.DryRun {
		for _, r := range result.Repositories {
			for _, f := range r.Files {
				if f.Diff == "" {
					continue
				}
				fmt.Fprintf(&b, "\n# %s\n%s", r.Repository, f.Diff)
			}
		}
	}

	_, err := io.WriteString(w.out, b.String())
	return err
}

func changeRows(result domain.BatchResult) [][]string {
	var rows [][]string
	for _, r := range result.Repositories {
		for _, f := range r.Files {
			for _, change := range f.Changes {
				rows = append(rows, []string{r.Repository, f.Path, string(change.Action), change.Summary()})
			}
			if f.Err != nil && !hasErrored(f.Changes) {
				rows = append(rows, []string{r.Repository, f.Path, string(domain.ActionErrored), f.Err.Error()})
			}
		}
	}
	return rows
}

func hasErrored(changes []domain.ChangeRecord) bool {
	for _, c := range changes {
		if c.Action == domain.ActionErrored {
			return true
		}
	}
	return false
}

func pullRequestCell(pr *domain.PullRequestRef) string {
	if pr == nil {
		return ""
	}
	label := pr.URL
	if pr.Number > 0 {
		label = "#" + strconv.Itoa(pr.Number) + " " + pr.URL
	}
	if pr.Reused {
		label += " (existing)"
	}
	return label
}

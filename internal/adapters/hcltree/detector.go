package hcltree

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// Detector implements domain.ChangeDetector. Both sides are normalized
// before comparison so formatting-only differences are not reported.
type Detector struct{}

// NewDetector creates a new Detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Detect reports whether rendered differs from original after normalization.
// Returns domain.ErrNormalization when either side does not parse.
func (d *Detector) Detect(original, rendered []byte) (bool, error) {
	a, err := normalize("original", original)
	if err != nil {
		return false, err
	}
	b, err := normalize("rendered", rendered)
	if err != nil {
		return false, err
	}
	return !bytes.Equal(a, b), nil
}

// Diff returns a unified diff between original and rendered.
// An empty string means the texts are identical.
func (d *Detector) Diff(name string, original, rendered []byte) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(unixNewlines(original))),
		B:        difflib.SplitLines(string(unixNewlines(rendered))),
		FromFile: "a/" + name,
		ToFile:   "b/" + name,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return text
}

func normalize(name string, src []byte) ([]byte, error) {
	src = unixNewlines(src)
	if _, diags := hclsyntax.ParseConfig(src, name, hcl.InitialPos); diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", domain.ErrNormalization, diagnosticsText(diags))
	}
	formatted := hclwrite.Format(src)

	lines := bytes.Split(formatted, []byte("\n"))
	for i, line := range lines {
		lines[i] = bytes.TrimRight(line, " \t")
	}
	return bytes.TrimRight(bytes.Join(lines, []byte("\n")), "\n"), nil
}

func unixNewlines(src []byte) []byte {
	return bytes.ReplaceAll(src, []byte("\r\n"), []byte("\n"))
}

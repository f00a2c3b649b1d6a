// Package report renders workflow reports for humans and CI systems.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rendis/reqflow/pkg/schema"
)

// Format names a report encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJUnit Format = "junit"
	FormatTAP   Format = "tap"
)

// Formats lists the supported encodings.
func Formats() []Format {
	return []Format{FormatJSON, FormatJUnit, FormatTAP}
}

// ParseFormat accepts a format name case-insensitively. An empty name
// selects JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatJUnit, FormatTAP:
		return f, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown report format %q (json, junit, tap)", s)
}

// Write encodes rep to w in the named format.
func Write(w io.Writer, format string, rep *schema.WorkflowReport) error {
	if rep == nil {
		return schema.NewError(schema.ErrCodeValidation, "report is nil")
	}
	f, err := ParseFormat(format)
	if err != nil {
		return err
	}
	switch f {
	case FormatJUnit:
		return writeJUnit(w, rep)
	case FormatTAP:
		return writeTAP(w, rep)
	}
	return writeJSON(w, rep)
}

func writeJSON(w io.Writer, rep *schema.WorkflowReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("encode json report: %w", err)
	}
	return nil
}

// failureLines renders the failing assertions of a step, one per line.
func failureLines(res *schema.StepResult) []string {
	failed := res.FailedAssertions()
	out := make([]string, 0, len(failed))
	for _, a := range failed {
		msg := a.Message
		if msg == "" {
			msg = fmt.Sprintf("expected %v, got %v", a.Expected, a.Actual)
		}
		out = append(out, a.Rule+": "+msg)
	}
	return out
}

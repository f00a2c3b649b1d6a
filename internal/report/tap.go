package report

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/reqflow/pkg/schema"
)

// tapDiagnostic is the YAML block attached to a failing test point.
type tapDiagnostic struct {
	Status     string   `yaml:"status"`
	Attempts   int      `yaml:"attempts,omitempty"`
	StatusCode int      `yaml:"status_code,omitempty"`
	Code       string   `yaml:"code,omitempty"`
	Error      string   `yaml:"error,omitempty"`
	Failures   []string `yaml:"failures,omitempty"`
}

func writeTAP(w io.Writer, rep *schema.WorkflowReport) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "TAP version 14")
	fmt.Fprintf(bw, "1..%d\n", len(rep.Steps))

	for i := range rep.Steps {
		res := &rep.Steps[i]
		n := i + 1
		switch res.Status {
		case schema.StepStatusPassed:
			fmt.Fprintf(bw, "ok %d - %s # time=%dms\n", n, res.Label(), res.DurationMs)
		case schema.StepStatusSkipped:
			fmt.Fprintf(bw, "ok %d - %s # SKIP %s\n", n, res.Label(), res.Reason)
		default:
			fmt.Fprintf(bw, "not ok %d - %s\n", n, res.Label())
			if err := writeDiagnostic(bw, res); err != nil {
				return err
			}
		}
	}
	if rep.Cancelled {
		fmt.Fprintln(bw, "Bail out! run cancelled")
	}
	return bw.Flush()
}

func writeDiagnostic(w io.Writer, res *schema.StepResult) error {
	d := tapDiagnostic{
		Status:     string(res.Status),
		Attempts:   res.Attempts,
		StatusCode: res.StatusCode,
		Failures:   failureLines(res),
	}
	if res.Error != nil {
		d.Code = res.Error.Code
		d.Error = res.Error.Message
	}
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode tap diagnostic: %w", err)
	}
	fmt.Fprintln(w, "  ---")
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		fmt.Fprintln(w, "  "+line)
	}
	fmt.Fprintln(w, "  ...")
	return nil
}

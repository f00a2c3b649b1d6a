package report

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/rendis/reqflow/pkg/schema"
)

type junitSuites struct {
	XMLName  xml.Name     `xml:"testsuites"`
	Name     string       `xml:"name,attr"`
	Tests    int          `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Errors   int          `xml:"errors,attr"`
	Skipped  int          `xml:"skipped,attr"`
	Time     string       `xml:"time,attr"`
	Suites   []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	Name       string          `xml:"name,attr"`
	Tests      int             `xml:"tests,attr"`
	Failures   int             `xml:"failures,attr"`
	Errors     int             `xml:"errors,attr"`
	Skipped    int             `xml:"skipped,attr"`
	Time       string          `xml:"time,attr"`
	Timestamp  string          `xml:"timestamp,attr"`
	Properties []junitProperty `xml:"properties>property,omitempty"`
	Cases      []junitCase     `xml:"testcase"`
}

type junitProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
	Failure   *junitProblem `xml:"failure,omitempty"`
	Error     *junitProblem `xml:"error,omitempty"`
}

type junitSkipped struct {
	Message string `xml:"message,attr,omitempty"`
}

type junitProblem struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Body    string `xml:",chardata"`
}

func writeJUnit(w io.Writer, rep *schema.WorkflowReport) error {
	classname := sanitizeClassname(rep.Workflow)
	suite := junitSuite{
		Name:      rep.Workflow,
		Tests:     len(rep.Steps),
		Failures:  rep.Failed,
		Errors:    rep.Errored,
		Skipped:   rep.Skipped,
		Time:      seconds(rep.DurationMs),
		Timestamp: rep.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
		Properties: []junitProperty{
			{Name: "run_id", Value: rep.RunID},
		},
	}
	if rep.Cancelled {
		suite.Properties = append(suite.Properties, junitProperty{Name: "cancelled", Value: "true"})
	}

	for i := range rep.Steps {
		res := &rep.Steps[i]
		tc := junitCase{Name: res.Label(), Classname: classname, Time: seconds(res.DurationMs)}
		switch res.Status {
		case schema.StepStatusSkipped:
			tc.Skipped = &junitSkipped{Message: string(res.Reason)}
		case schema.StepStatusErrored:
			tc.Error = &junitProblem{Type: "ExecutionError", Message: errorText(res)}
			tc.Error.Body = tc.Error.Message
		case schema.StepStatusFailed:
			if res.Error != nil {
				tc.Failure = &junitProblem{Type: res.Error.Code, Message: res.Error.Message, Body: res.Error.Error()}
				break
			}
			lines := failureLines(res)
			tc.Failure = &junitProblem{
				Type:    "AssertionFailure",
				Message: fmt.Sprintf("%d assertion(s) failed", len(lines)),
				Body:    strings.Join(lines, "\n"),
			}
		}
		suite.Cases = append(suite.Cases, tc)
	}

	doc := junitSuites{
		Name:     rep.Workflow,
		Tests:    suite.Tests,
		Failures: suite.Failures,
		Errors:   suite.Errors,
		Skipped:  suite.Skipped,
		Time:     suite.Time,
		Suites:   []junitSuite{suite},
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode junit report: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func errorText(res *schema.StepResult) string {
	if res.Error == nil {
		return "step errored"
	}
	return res.Error.Error()
}

func seconds(ms int64) string {
	return fmt.Sprintf("%.3f", float64(ms)/1000)
}

// sanitizeClassname keeps letters, digits, '_' and '.'.
func sanitizeClassname(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, name)
}

package engine

import (
	"regexp"

	"github.com/rendis/reqflow/pkg/schema"
)

// Filter selects the steps a run executes. Empty fields select everything.
type Filter struct {
	Tags    []string
	Include []string
	Exclude []string
}

// Empty reports whether the filter selects every step.
func (f Filter) Empty() bool {
	return len(f.Tags) == 0 && len(f.Include) == 0 && len(f.Exclude) == 0
}

// Apply returns the kept steps in declaration order. A step is kept when
// it carries any of the tags, matches any include pattern and matches no
// exclude pattern.
func (f Filter) Apply(steps []schema.StepDefinition) []schema.StepDefinition {
	if f.Empty() {
		return steps
	}
	include := compilePatterns(f.Include)
	exclude := compilePatterns(f.Exclude)

	out := make([]schema.StepDefinition, 0, len(steps))
	for _, step := range steps {
		if len(f.Tags) > 0 && !hasAnyTag(step.Tags, f.Tags) {
			continue
		}
		if len(include) > 0 && !anyMatch(include, step.Name) {
			continue
		}
		if anyMatch(exclude, step.Name) {
			continue
		}
		out = append(out, step)
	}
	return out
}

// pattern is a step-name matcher: a regular expression, or an exact name
// when the text does not compile.
type pattern struct {
	raw string
	re  *regexp.Regexp
}

func (p pattern) match(name string) bool {
	if p.re != nil {
		return p.re.MatchString(name)
	}
	return p.raw == name
}

func compilePatterns(raw []string) []pattern {
	out := make([]pattern, 0, len(raw))
	for _, r := range raw {
		if r == "" {
			continue
		}
		p := pattern{raw: r}
		if re, err := regexp.Compile(r); err == nil {
			p.re = re
		}
		out = append(out, p)
	}
	return out
}

func anyMatch(patterns []pattern, name string) bool {
	for _, p := range patterns {
		if p.match(name) {
			return true
		}
	}
	return false
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StatusRange is an inclusive status code range parsed from an assert
// status rule: "200", "2xx" or "200-204".
type StatusRange struct {
	Lo, Hi int
}

// Contains reports whether code falls in the range.
func (r StatusRange) Contains(code int) bool {
	return code >= r.Lo && code <= r.Hi
}

func (r StatusRange) String() string {
	if r.Lo == r.Hi {
		return strconv.Itoa(r.Lo)
	}
	if r.Lo%100 == 0 && r.Hi == r.Lo+99 {
		return fmt.Sprintf("%dxx", r.Lo/100)
	}
	return fmt.Sprintf("%d-%d", r.Lo, r.Hi)
}

// ParseStatusRule parses a status rule.
func ParseStatusRule(s string) (StatusRange, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 100 || n > 599 {
			return StatusRange{}, fmt.Errorf("status %d out of range", n)
		}
		return StatusRange{Lo: n, Hi: n}, nil
	}
	if len(s) == 3 && strings.HasSuffix(s, "xx") && s[0] >= '1' && s[0] <= '5' {
		lo := int(s[0]-'0') * 100
		return StatusRange{Lo: lo, Hi: lo + 99}, nil
	}
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		l, err1 := strconv.Atoi(strings.TrimSpace(lo))
		h, err2 := strconv.Atoi(strings.TrimSpace(hi))
		if err1 == nil && err2 == nil && l <= h {
			return StatusRange{Lo: l, Hi: h}, nil
		}
	}
	return StatusRange{}, fmt.Errorf("invalid status rule %q", s)
}

// ParseLatencyBound parses "<500ms", "500ms", "2s" or a bare number of
// milliseconds into the maximum allowed latency.
func ParseLatencyBound(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(s, "<="), "<"))
	if s == "" {
		return 0, fmt.Errorf("empty latency bound")
	}
	return ParseDuration(s)
}

package variables

import (
	"errors"
	"strconv"
	"strings"
)

// ErrBadPath is returned for a path that cannot be parsed.
var ErrBadPath = errors.New("malformed path")

// PathSegment is one step of a dot/bracket path: a map key or an array
// index. Negative indexes count from the end.
type PathSegment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Step applies the segment to cur.
func (s PathSegment) Step(cur any) (any, bool) {
	if s.IsIndex {
		arr, ok := cur.([]any)
		if !ok {
			return nil, false
		}
		i := s.Index
		if i < 0 {
			i += len(arr)
		}
		if i < 0 || i >= len(arr) {
			return nil, false
		}
		return arr[i], true
	}
	m, ok := cur.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[s.Key]
	return v, ok
}

// ParsePath splits `a.b[0].c`, `[1].id` or `a["odd.key"]` into segments.
// An empty path yields no segments.
func ParsePath(path string) ([]PathSegment, error) {
	var segs []PathSegment
	i := 0
	for i < len(path) {
		switch path[i] {
		case '.':
			i++
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, ErrBadPath
			}
			inner := strings.TrimSpace(path[i+1 : i+end])
			if q := len(inner); q >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[q-1] == inner[0] {
				segs = append(segs, PathSegment{Key: inner[1 : q-1]})
			} else {
				n, err := strconv.Atoi(inner)
				if err != nil {
					return nil, ErrBadPath
				}
				segs = append(segs, PathSegment{Index: n, IsIndex: true})
			}
			i += end + 1
		default:
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			segs = append(segs, PathSegment{Key: path[i:j]})
			i = j
		}
	}
	return segs, nil
}

// Walk follows path from root. found is false when a key is missing or an
// index is out of range.
func Walk(root any, path string) (value any, found bool, err error) {
	segs, err := ParsePath(path)
	if err != nil {
		return nil, false, err
	}
	cur := root
	for _, s := range segs {
		next, ok := s.Step(cur)
		if !ok {
			return nil, false, nil
		}
		cur = next
	}
	return cur, true, nil
}

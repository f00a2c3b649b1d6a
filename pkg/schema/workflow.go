package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// WorkflowDefinition is the parsed workflow document. YAML and TOML sources
// are normalised to JSON before decoding, so json tags are authoritative.
type WorkflowDefinition struct {
	Name         string                    `json:"name"`
	Description  string                    `json:"description,omitempty"`
	BaseURL      string                    `json:"base_url,omitempty"`
	Dotenv       string                    `json:"dotenv,omitempty"` // .env file merged into Variables at load time
	Variables    map[string]any            `json:"variables,omitempty"`
	Environments map[string]map[string]any `json:"environments,omitempty"`
	Headers      map[string]string         `json:"headers,omitempty"`
	Steps        []StepDefinition          `json:"steps"`
}

// StepNames returns step names in declaration order.
func (w *WorkflowDefinition) StepNames() []string {
	names := make([]string, len(w.Steps))
	for i := range w.Steps {
		names[i] = w.Steps[i].Name
	}
	return names
}

// EnvironmentNames returns the declared environment names, sorted.
func (w *WorkflowDefinition) EnvironmentNames() []string {
	names := make([]string, 0, len(w.Environments))
	for k := range w.Environments {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// StepDefinition describes a single request in a workflow.
type StepDefinition struct {
	Name      string            `json:"name"`
	Protocol  string            `json:"protocol,omitempty"` // http (default), graphql, websocket, grpc
	Method    string            `json:"method,omitempty"`
	URL       string            `json:"url"`
	Query     map[string]string `json:"query,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      any               `json:"body,omitempty"`
	Raw       string            `json:"raw,omitempty"`  // text template sent as is, wins over Body
	Form      map[string]string `json:"form,omitempty"` // url-encoded when neither Raw nor Body is set
	DependsOn []string          `json:"depends_on,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	SkipIf    string            `json:"skip_if,omitempty"`
	Extract   map[string]string `json:"extract,omitempty"`
	Assert    *AssertSpec       `json:"assert,omitempty"`

	Retries    int      `json:"retries,omitempty"`
	RetryDelay Duration `json:"retry_delay,omitempty"`
	Timeout    Duration `json:"timeout,omitempty"`
	Delay      Duration `json:"delay,omitempty"`

	PreScript    *ScriptConfig `json:"pre_script,omitempty"`
	PostScript   *ScriptConfig `json:"post_script,omitempty"`
	ScriptAssert *ScriptConfig `json:"script_assert,omitempty"`

	GraphQL   *GraphQLConfig   `json:"graphql,omitempty"`
	WebSocket *WebSocketConfig `json:"websocket,omitempty"`
	GRPC      map[string]any   `json:"grpc,omitempty"`
	// Looping. At most one of Repeat, Foreach and While applies, in that
	// order. FailFast (default true) stops the loop at the first
	// unsuccessful iteration.
	Repeat        int    `json:"repeat,omitempty"`
	Foreach       any    `json:"foreach,omitempty"`
	ForeachVar    string `json:"foreach_var,omitempty"`
	While         string `json:"while,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	FailFast      *bool  `json:"fail_fast,omitempty"`
}

// Loop limits.
const (
	MaxIterations        = 1000
	DefaultMaxIterations = 100
	DefaultForeachVar    = "item"
)

// LoopKind names the step's looping mode, or "" for a single run.
func (s *StepDefinition) LoopKind() string {
	switch {
	case s.Repeat > 0:
		return "repeat"
	case s.Foreach != nil:
		return "foreach"
	case s.While != "":
		return "while"
	}
	return ""
}

// StopsOnFailure reports whether a loop ends at its first unsuccessful
// iteration.
func (s *StepDefinition) StopsOnFailure() bool {
	return s.FailFast == nil || *s.FailFast
}

// IterationLimit is the iteration bound of a repeat or while loop,
// capped at MaxIterations.
func (s *StepDefinition) IterationLimit() int {
	n := s.MaxIterations
	switch {
	case s.Repeat > 0:
		n = s.Repeat
	case n <= 0:
		n = DefaultMaxIterations
	}
	return min(n, MaxIterations)
}

// LoopVar is the variable a foreach loop binds each item to.
func (s *StepDefinition) LoopVar() string {
	if s.ForeachVar != "" {
		return s.ForeachVar
	}
	return DefaultForeachVar
}

// Protocol kinds.
const (
	ProtocolHTTP      = "http"
	ProtocolGraphQL   = "graphql"
	ProtocolWebSocket = "websocket"
	ProtocolGRPC      = "grpc"
)

// ResolvedProtocol infers the protocol when it is not set explicitly.
func (s *StepDefinition) ResolvedProtocol() string {
	switch {
	case s.Protocol != "":
		return strings.ToLower(s.Protocol)
	case s.GraphQL != nil:
		return ProtocolGraphQL
	case s.WebSocket != nil:
		return ProtocolWebSocket
	case s.GRPC != nil:
		return ProtocolGRPC
	case strings.HasPrefix(s.URL, "ws://"), strings.HasPrefix(s.URL, "wss://"):
		return ProtocolWebSocket
	}
	return ProtocolHTTP
}

// MaxRetries caps the per-step retry count.
const MaxRetries = 10

// EffectiveRetries returns the retry count clamped to [0, MaxRetries].
func (s *StepDefinition) EffectiveRetries() int {
	if s.Retries < 0 {
		return 0
	}
	if s.Retries > MaxRetries {
		return MaxRetries
	}
	return s.Retries
}

// GraphQLConfig is the graphql sub-config of a step.
type GraphQLConfig struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operation_name,omitempty"`
}

// WebSocketConfig is the websocket sub-config of a step.
type WebSocketConfig struct {
	Messages     []any    `json:"messages,omitempty"`
	ReadCount    int      `json:"read_count,omitempty"`
	ReadTimeout  Duration `json:"read_timeout,omitempty"`
	Subprotocols []string `json:"subprotocols,omitempty"`
}

// ScriptConfig holds an inline script or a path to one. A bare string in
// the document is taken as inline code.
type ScriptConfig struct {
	Code string `json:"code,omitempty"`
	File string `json:"file,omitempty"`
	Type string `json:"type,omitempty"` // lua (default)
}

func (s *ScriptConfig) UnmarshalJSON(data []byte) error {
	var code string
	if err := json.Unmarshal(data, &code); err == nil {
		*s = ScriptConfig{Code: code}
		return nil
	}
	type plain ScriptConfig
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = ScriptConfig(p)
	return nil
}

// AssertSpec lists the declarative checks run against a response.
type AssertSpec struct {
	Status      Scalar      `json:"status,omitempty"`
	Latency     Scalar      `json:"latency,omitempty"`
	Headers     HeaderRules `json:"headers,omitempty"`
	Body        BodyRules   `json:"body,omitempty"`
	Schema      any         `json:"schema,omitempty"`
	Expressions []string    `json:"expressions,omitempty"`
}

// Empty reports whether the spec carries no rules.
func (a *AssertSpec) Empty() bool {
	return a == nil || (a.Status == "" && a.Latency == "" && len(a.Headers) == 0 &&
		len(a.Body) == 0 && a.Schema == nil && len(a.Expressions) == 0)
}

// HeaderRule checks one response header. Exactly one operator is expected.
type HeaderRule struct {
	Name     string `json:"name"`
	Exists   *bool  `json:"exists,omitempty"`
	Equals   string `json:"equals,omitempty"`
	Contains string `json:"contains,omitempty"`
	Matches  string `json:"matches,omitempty"`
}

// HeaderRules accepts a list of rules or a name → substring map.
type HeaderRules []HeaderRule

func (h *HeaderRules) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		keys := sortedKeys(m)
		out := make(HeaderRules, 0, len(keys))
		for _, k := range keys {
			out = append(out, HeaderRule{Name: k, Contains: m[k]})
		}
		*h = out
		return nil
	}
	var list []HeaderRule
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*h = list
	return nil
}

// BodyRule checks one value in the response body.
type BodyRule struct {
	Path        string   `json:"path"`
	Equals      any      `json:"equals,omitempty"`
	Contains    any      `json:"contains,omitempty"`
	Matches     string   `json:"matches,omitempty"`
	Type        string   `json:"type,omitempty"`
	Exists      *bool    `json:"exists,omitempty"`
	IsNull      *bool    `json:"is_null,omitempty"`
	GreaterThan *float64 `json:"greater_than,omitempty"`
	LessThan    *float64 `json:"less_than,omitempty"`
	Length      *int     `json:"length,omitempty"`

	// HasEquals records an explicit equals key, so `equals: null` is an
	// equality check against null rather than no operator at all.
	HasEquals bool `json:"-"`
}

func (b *BodyRule) UnmarshalJSON(data []byte) error {
	type plain BodyRule
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	_, p.HasEquals = keys["equals"]
	*b = BodyRule(p)
	return nil
}

// EqualityCheck reports whether the rule compares the value for equality.
func (b BodyRule) EqualityCheck() bool { return b.HasEquals || b.Equals != nil }

// BodyRules accepts a list of rules or a path → expected-value map.
type BodyRules []BodyRule

func (b *BodyRules) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		keys := sortedKeys(m)
		out := make(BodyRules, 0, len(keys))
		for _, k := range keys {
			out = append(out, BodyRule{Path: k, Equals: m[k], HasEquals: true})
		}
		*b = out
		return nil
	}
	var list []BodyRule
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*b = list
	return nil
}

// Scalar is a string that may be written as a JSON number in documents,
// e.g. `status: 200` and `status: "2xx"`.
type Scalar string

func (s *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Scalar(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = Scalar(n.String())
	return nil
}

// Duration accepts a Go duration string ("250ms", "2s") or a bare number
// of milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*d = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	parsed, err := ParseDuration(string(data))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ParseDuration parses a duration string. A bare number is milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(ms * float64(time.Millisecond)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

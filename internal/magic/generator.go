// Package magic generates runtime placeholder values such as {uuid},
// {timestamp} or {random_int:1:100}.
package magic

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	mrand "math/rand/v2"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itchyny/timefmt-go"
)

// ErrUnknownKind is returned by Generate for an unrecognised placeholder.
var ErrUnknownKind = errors.New("unknown magic value kind")

var placeholderRe = regexp.MustCompile(`\{([a-z_][a-z0-9_]*)(?::([^}]*))?\}`)

// Generator produces magic values. The {seq} counter lives on the
// generator, so each workflow run owns its own sequence.
type Generator struct {
	mu     sync.Mutex
	seq    int
	now    func() time.Time
	getenv func(string) string
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithEnv overrides the environment lookup used by {env:VAR}.
func WithEnv(getenv func(string) string) Option {
	return func(g *Generator) { g.getenv = getenv }
}

// NewGenerator creates a Generator with its sequence at zero.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{now: time.Now, getenv: os.Getenv}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ResetSeq sets the {seq} counter back to zero.
func (g *Generator) ResetSeq() {
	g.mu.Lock()
	g.seq = 0
	g.mu.Unlock()
}

// Expand replaces every recognised {kind} or {kind:arg} placeholder in s.
// Unknown kinds and placeholders whose argument cannot be used are left
// untouched.
func (g *Generator) Expand(s string) string {
	if !strings.Contains(s, "{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		kind, arg := sub[1], sub[2]
		hasArg := strings.Contains(m, ":")
		v, err := g.generate(kind, arg, hasArg)
		if err != nil {
			return m
		}
		return v
	})
}

// HasPlaceholder reports whether s contains something that looks like a
// magic value.
func HasPlaceholder(s string) bool {
	return placeholderRe.MatchString(s)
}

// Generate produces a single value. arg is empty when the placeholder has
// no argument.
func (g *Generator) Generate(kind, arg string) (string, error) {
	return g.generate(kind, arg, arg != "")
}

func (g *Generator) generate(kind, arg string, hasArg bool) (string, error) {
	switch kind {
	case "uuid", "uuid4":
		return uuid.NewString(), nil
	case "uuid7":
		id, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		return id.String(), nil

	case "now":
		t := g.now().UTC()
		if hasArg && arg != "" {
			return timefmt.Format(t, arg), nil
		}
		return t.Format(time.RFC3339), nil
	case "now_local":
		t := g.now().Local()
		if hasArg && arg != "" {
			return timefmt.Format(t, arg), nil
		}
		return t.Format(time.RFC3339), nil
	case "timestamp":
		return strconv.FormatInt(g.now().Unix(), 10), nil
	case "timestamp_ms":
		return strconv.FormatInt(g.now().UnixMilli(), 10), nil
	case "date":
		return timefmt.Format(g.now().UTC(), "%Y-%m-%d"), nil
	case "time":
		return timefmt.Format(g.now().UTC(), "%H:%M:%S"), nil

	case "random_int", "random", "rand":
		return randomInt(arg, hasArg)
	case "random_float", "randf":
		return randomFloat(arg, hasArg)
	case "random_string", "rands":
		return randomString(intArg(arg, 16)), nil
	case "random_hex", "hex":
		n := intArg(arg, 32)
		buf := make([]byte, (n+1)/2)
		_, _ = rand.Read(buf)
		return hex.EncodeToString(buf)[:n], nil
	case "random_bytes", "bytes":
		buf := make([]byte, intArg(arg, 16))
		_, _ = rand.Read(buf)
		return base64.StdEncoding.EncodeToString(buf), nil
	case "random_bool", "bool":
		return strconv.FormatBool(mrand.IntN(2) == 1), nil

	case "email":
		domain := "example.com"
		if arg != "" {
			domain = arg
		}
		return strings.ToLower(randomString(8)) + "@" + domain, nil
	case "first_name":
		return pick(firstNames), nil
	case "last_name":
		return pick(lastNames), nil
	case "full_name":
		return pick(firstNames) + " " + pick(lastNames), nil
	case "lorem":
		n := intArg(arg, 10)
		words := make([]string, n)
		for i := range words {
			words[i] = loremWords[i%len(loremWords)]
		}
		return strings.Join(words, " "), nil
	case "pick":
		if !hasArg || arg == "" {
			return "", fmt.Errorf("pick needs a list of options")
		}
		items := strings.Split(arg, ",")
		return strings.TrimSpace(items[mrand.IntN(len(items))]), nil

	case "seq":
		start := 0
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil {
				return "", fmt.Errorf("invalid seq start %q", arg)
			}
			start = n
		}
		g.mu.Lock()
		cur := g.seq
		g.seq++
		g.mu.Unlock()
		return strconv.Itoa(start + cur), nil
	case "seq_reset":
		g.ResetSeq()
		return "0", nil

	case "env":
		if !EnvAllowed(arg) {
			return "", nil
		}
		return g.getenv(arg), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
}

var envAllowlist = map[string]bool{
	"HOME": true, "USER": true, "LANG": true, "LC_ALL": true, "TZ": true,
	"SHELL": true, "TERM": true, "PATH": true, "PWD": true,
	"TMPDIR": true, "TEMP": true, "TMP": true,
	"HTTP_PROXY": true, "HTTPS_PROXY": true, "NO_PROXY": true, "ALL_PROXY": true,
}

// EnvAllowed reports whether {env:NAME} may read NAME.
func EnvAllowed(name string) bool {
	if name == "" {
		return false
	}
	return envAllowlist[name] || strings.HasPrefix(name, "REQFLOW_") || strings.HasPrefix(name, "QP_")
}

func intArg(arg string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 0 {
		return def
	}
	return n
}

func randomInt(arg string, hasArg bool) (string, error) {
	if !hasArg || arg == "" {
		return strconv.Itoa(mrand.IntN(1<<31 - 1)), nil
	}
	lo, hi := int64(0), int64(0)
	parts := strings.Split(arg, ":")
	switch len(parts) {
	case 1:
		n, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid random_int bound %q", arg)
		}
		hi = n
	case 2:
		a, err1 := strconv.ParseInt(parts[0], 10, 64)
		b, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return "", fmt.Errorf("invalid random_int range %q", arg)
		}
		lo, hi = a, b
	default:
		return "", fmt.Errorf("invalid random_int range %q", arg)
	}
	if hi < lo {
		return "", fmt.Errorf("invalid random_int range %q", arg)
	}
	// The span is computed in uint64 so full-width ranges do not overflow.
	span := uint64(hi) - uint64(lo)
	var off uint64
	if span == math.MaxUint64 {
		off = mrand.Uint64()
	} else {
		off = mrand.Uint64N(span + 1)
	}
	return strconv.FormatInt(int64(uint64(lo)+off), 10), nil
}

func randomFloat(arg string, hasArg bool) (string, error) {
	lo, hi := 0.0, 1.0
	if hasArg && arg != "" {
		parts := strings.Split(arg, ":")
		switch len(parts) {
		case 1:
			n, err := strconv.ParseFloat(parts[0], 64)
			if err != nil {
				return "", fmt.Errorf("invalid random_float bound %q", arg)
			}
			hi = n
		case 2:
			a, err1 := strconv.ParseFloat(parts[0], 64)
			b, err2 := strconv.ParseFloat(parts[1], 64)
			if err1 != nil || err2 != nil {
				return "", fmt.Errorf("invalid random_float range %q", arg)
			}
			lo, hi = a, b
		default:
			return "", fmt.Errorf("invalid random_float range %q", arg)
		}
	}
	if hi < lo {
		return "", fmt.Errorf("invalid random_float range %q", arg)
	}
	return strconv.FormatFloat(lo+mrand.Float64()*(hi-lo), 'f', 6, 64), nil
}

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumeric[mrand.IntN(len(alphanumeric))]
	}
	return string(b)
}

func pick(list []string) string {
	return list[mrand.IntN(len(list))]
}

var firstNames = []string{
	"James", "Mary", "John", "Patricia", "Robert", "Jennifer", "Michael", "Linda",
	"David", "Elizabeth", "Maria", "Wei", "Aiko", "Omar", "Sofia", "Lucas",
}

var lastNames = []string{
	"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller", "Davis",
	"Rodriguez", "Martinez", "Chen", "Tanaka", "Haddad", "Rossi", "Silva", "Novak",
}

var loremWords = []string{
	"lorem", "ipsum", "dolor", "sit", "amet", "consectetur", "adipiscing", "elit",
	"sed", "do", "eiusmod", "tempor", "incididunt", "ut", "labore", "et", "dolore",
	"magna", "aliqua", "enim", "ad", "minim", "veniam", "quis", "nostrud",
}

package magic

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
}

func TestExpand_RandomIntWithinRange(t *testing.T) {
	g := NewGenerator()
	for i := 0; i < 200; i++ {
		n, err := strconv.Atoi(g.Expand("{random_int:10:20}"))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 10)
		assert.LessOrEqual(t, n, 20)
	}
	for i := 0; i < 50; i++ {
		n, err := strconv.Atoi(g.Expand("{random_int:5}"))
		require.NoError(t, err)
		assert.True(t, n >= 0 && n <= 5)
	}
}

func TestGenerate_RandomIntFullWidthRanges(t *testing.T) {
	g := NewGenerator()
	for _, arg := range []string{
		"0:9223372036854775807",
		"-9223372036854775808:0",
		"-9223372036854775808:9223372036854775807",
		"9223372036854775807:9223372036854775807",
	} {
		for i := 0; i < 20; i++ {
			var out string
			require.NotPanics(t, func() {
				var err error
				out, err = g.Generate("random_int", arg)
				require.NoError(t, err)
			}, arg)
			n, err := strconv.ParseInt(out, 10, 64)
			require.NoError(t, err, arg)
			lo, hi, _ := strings.Cut(arg, ":")
			l, _ := strconv.ParseInt(lo, 10, 64)
			h, _ := strconv.ParseInt(hi, 10, 64)
			assert.True(t, n >= l && n <= h, "%d outside %s", n, arg)
		}
	}
}

func TestExpand_SeqIncrementsAndResets(t *testing.T) {
	g := NewGenerator()
	assert.Equal(t, "0 1 2", g.Expand("{seq} {seq} {seq}"))

	g.ResetSeq()
	assert.Equal(t, "0", g.Expand("{seq}"))
	assert.Equal(t, "101", g.Expand("{seq:100}"))

	assert.Equal(t, "0", g.Expand("{seq_reset}"))
	assert.Equal(t, "0", g.Expand("{seq}"))
}

func TestExpand_SeqIsPerGenerator(t *testing.T) {
	a, b := NewGenerator(), NewGenerator()
	a.Expand("{seq}{seq}")
	assert.Equal(t, "0", b.Expand("{seq}"))
}

func TestExpand_UnknownKindLeftIntact(t *testing.T) {
	g := NewGenerator()
	assert.Equal(t, "{nope} {nope:1}", g.Expand("{nope} {nope:1}"))
	assert.Equal(t, `{"id": 1}`, g.Expand(`{"id": 1}`))
	assert.Equal(t, "{random_int:a:b}", g.Expand("{random_int:a:b}"))
}

func TestExpand_Time(t *testing.T) {
	g := NewGenerator(WithClock(fixedClock))
	assert.Equal(t, "2024-03-09T14:05:07Z", g.Expand("{now}"))
	assert.Equal(t, "2024/03/09", g.Expand("{now:%Y/%m/%d}"))
	assert.Equal(t, "2024-03-09", g.Expand("{date}"))
	assert.Equal(t, "14:05:07", g.Expand("{time}"))
	assert.Equal(t, strconv.FormatInt(fixedClock().Unix(), 10), g.Expand("{timestamp}"))
	assert.Equal(t, strconv.FormatInt(fixedClock().UnixMilli(), 10), g.Expand("{timestamp_ms}"))
}

func TestExpand_Identifiers(t *testing.T) {
	g := NewGenerator()
	_, err := uuid.Parse(g.Expand("{uuid}"))
	assert.NoError(t, err)

	id, err := uuid.Parse(g.Expand("{uuid7}"))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

func TestExpand_RandomShapes(t *testing.T) {
	g := NewGenerator()
	assert.Len(t, g.Expand("{random_string}"), 16)
	assert.Len(t, g.Expand("{random_string:5}"), 5)
	assert.Len(t, g.Expand("{random_hex}"), 32)
	assert.Len(t, g.Expand("{random_hex:7}"), 7)
	assert.Contains(t, []string{"true", "false"}, g.Expand("{random_bool}"))
	assert.Contains(t, []string{"a", "b", "c"}, g.Expand("{pick:a, b, c}"))
	assert.True(t, strings.HasSuffix(g.Expand("{email}"), "@example.com"))
	assert.True(t, strings.HasSuffix(g.Expand("{email:test.io}"), "@test.io"))
	assert.Len(t, strings.Fields(g.Expand("{lorem:4}")), 4)
	assert.Len(t, strings.Fields(g.Expand("{full_name}")), 2)

	f, err := strconv.ParseFloat(g.Expand("{random_float:2:3}"), 64)
	require.NoError(t, err)
	assert.True(t, f >= 2 && f <= 3)
}

func TestExpand_EnvAllowlist(t *testing.T) {
	env := map[string]string{"HOME": "/home/me", "SECRET_TOKEN": "s3cr3t", "REQFLOW_API": "x", "QP_KEY": "k"}
	g := NewGenerator(WithEnv(func(k string) string { return env[k] }))

	assert.Equal(t, "/home/me", g.Expand("{env:HOME}"))
	assert.Equal(t, "x", g.Expand("{env:REQFLOW_API}"))
	assert.Equal(t, "k", g.Expand("{env:QP_KEY}"))
	assert.Equal(t, "", g.Expand("{env:SECRET_TOKEN}"))
}

func TestGenerate_UnknownKind(t *testing.T) {
	_, err := NewGenerator().Generate("bogus", "")
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.True(t, HasPlaceholder("x {uuid} y"))
	assert.False(t, HasPlaceholder(`{"a":1}`))
}

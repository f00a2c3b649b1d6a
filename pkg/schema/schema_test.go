package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReqflowError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeUndefinedVariable, "undefined variable %q", "token").WithStep("login")
	assert.Equal(t, `[UNDEFINED_VARIABLE] step login: undefined variable "token"`, err.Error())
	assert.Equal(t, "[CYCLE_DETECTED] a <-> b", NewError(ErrCodeCycleDetected, "a <-> b").Error())
}

func TestIsCode_FollowsCauses(t *testing.T) {
	inner := NewError(ErrCodeUndefinedVariable, "undefined")
	outer := NewError(ErrCodeTemplate, "template failed").WithCause(inner)
	wrapped := fmt.Errorf("step: %w", outer)

	assert.True(t, IsCode(wrapped, ErrCodeTemplate))
	assert.True(t, IsCode(wrapped, ErrCodeUndefinedVariable))
	assert.False(t, IsCode(wrapped, ErrCodeScript))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeTemplate))
	assert.ErrorIs(t, wrapped, inner)
}

func TestDuration_Unmarshal(t *testing.T) {
	cases := map[string]time.Duration{
		`"250ms"`: 250 * time.Millisecond,
		`"2s"`:    2 * time.Second,
		`100`:     100 * time.Millisecond,
		`"100"`:   100 * time.Millisecond,
		`null`:    0,
	}
	for in, want := range cases {
		var d Duration
		require.NoError(t, json.Unmarshal([]byte(in), &d), in)
		assert.Equal(t, want, d.Std(), in)
	}

	var d Duration
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`"-1s"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`-100`), &d))
	assert.Error(t, json.Unmarshal([]byte(`-0.5`), &d))
}

func TestBodyRule_ExplicitNullEquals(t *testing.T) {
	var list BodyRules
	require.NoError(t, json.Unmarshal([]byte(`[{"path": "a", "equals": null}, {"path": "b"}]`), &list))
	require.Len(t, list, 2)
	assert.True(t, list[0].EqualityCheck())
	assert.Nil(t, list[0].Equals)
	assert.False(t, list[1].EqualityCheck())

	var m BodyRules
	require.NoError(t, json.Unmarshal([]byte(`{"a": null}`), &m))
	require.Len(t, m, 1)
	assert.True(t, m[0].EqualityCheck())
}

func TestStepDefinition_Unmarshal(t *testing.T) {
	doc := `{
		"name": "create",
		"method": "POST",
		"url": "/users",
		"retries": 2,
		"retry_delay": 100,
		"pre_script": "vars.x = 1",
		"assert": {
			"status": 201,
			"latency": "<500ms",
			"headers": {"Content-Type": "json"},
			"body": {"id": 42, "name": "x"}
		}
	}`
	var s StepDefinition
	require.NoError(t, json.Unmarshal([]byte(doc), &s))

	assert.Equal(t, 100*time.Millisecond, s.RetryDelay.Std())
	assert.Equal(t, "vars.x = 1", s.PreScript.Code)
	require.NotNil(t, s.Assert)
	assert.Equal(t, Scalar("201"), s.Assert.Status)
	assert.Equal(t, Scalar("<500ms"), s.Assert.Latency)
	require.Len(t, s.Assert.Headers, 1)
	assert.Equal(t, HeaderRule{Name: "Content-Type", Contains: "json"}, s.Assert.Headers[0])
	require.Len(t, s.Assert.Body, 2)
	assert.Equal(t, "id", s.Assert.Body[0].Path)
	assert.Equal(t, float64(42), s.Assert.Body[0].Equals)
	assert.False(t, s.Assert.Empty())
}

func TestStepDefinition_Loops(t *testing.T) {
	doc := `{"name": "poll", "url": "/p", "repeat": 3, "fail_fast": false}`
	var s StepDefinition
	require.NoError(t, json.Unmarshal([]byte(doc), &s))
	assert.Equal(t, "repeat", s.LoopKind())
	assert.Equal(t, 3, s.IterationLimit())
	assert.False(t, s.StopsOnFailure())

	w := StepDefinition{While: "pending"}
	assert.Equal(t, "while", w.LoopKind())
	assert.Equal(t, DefaultMaxIterations, w.IterationLimit())
	w.MaxIterations = 5000
	assert.Equal(t, MaxIterations, w.IterationLimit())
	assert.True(t, w.StopsOnFailure())

	f := StepDefinition{Foreach: "{{ ids }}"}
	assert.Equal(t, "foreach", f.LoopKind())
	assert.Equal(t, DefaultForeachVar, f.LoopVar())
	assert.Equal(t, "", (&StepDefinition{}).LoopKind())

	i := 2
	assert.Equal(t, "poll[2]", (&StepResult{Name: "poll", Iteration: &i}).Label())
	assert.Equal(t, "poll", (&StepResult{Name: "poll"}).Label())
}

func TestStepDefinition_ResolvedProtocol(t *testing.T) {
	assert.Equal(t, ProtocolHTTP, (&StepDefinition{URL: "http://x"}).ResolvedProtocol())
	assert.Equal(t, ProtocolWebSocket, (&StepDefinition{URL: "wss://x"}).ResolvedProtocol())
	assert.Equal(t, ProtocolGraphQL, (&StepDefinition{GraphQL: &GraphQLConfig{Query: "{a}"}}).ResolvedProtocol())
	assert.Equal(t, ProtocolGRPC, (&StepDefinition{Protocol: "GRPC"}).ResolvedProtocol())
}

func TestStepDefinition_EffectiveRetries(t *testing.T) {
	assert.Equal(t, 0, (&StepDefinition{Retries: -3}).EffectiveRetries())
	assert.Equal(t, 2, (&StepDefinition{Retries: 2}).EffectiveRetries())
	assert.Equal(t, MaxRetries, (&StepDefinition{Retries: 50}).EffectiveRetries())
}

func TestWorkflowReport_Counters(t *testing.T) {
	rep := &WorkflowReport{StartedAt: time.Now()}
	rep.Add(StepResult{Name: "a", Status: StepStatusPassed})
	rep.Add(StepResult{Name: "b", Status: StepStatusSkipped, Reason: SkipReasonCondition})
	rep.Finalize(time.Now())
	assert.True(t, rep.Success)

	rep.Add(StepResult{Name: "c", Status: StepStatusErrored})
	rep.Finalize(time.Now())
	assert.False(t, rep.Success)
	assert.Equal(t, 1, rep.Passed)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 1, rep.Errored)

	got, ok := rep.Step("b")
	require.True(t, ok)
	assert.Equal(t, SkipReasonCondition, got.Reason)
	_, ok = rep.Step("zzz")
	assert.False(t, ok)
}

func TestParseStatusRule(t *testing.T) {
	tests := []struct {
		rule string
		code int
		want bool
	}{
		{"200", 200, true},
		{"200", 201, false},
		{"2xx", 204, true},
		{"2xx", 404, false},
		{"2XX", 299, true},
		{"200-204", 202, true},
		{"200-204", 205, false},
		{"200 - 204", 200, true},
	}
	for _, tt := range tests {
		r, err := ParseStatusRule(tt.rule)
		require.NoError(t, err, tt.rule)
		assert.Equal(t, tt.want, r.Contains(tt.code), "%s vs %d", tt.rule, tt.code)
	}

	for _, bad := range []string{"", "abc", "9xx", "204-200", "42"} {
		_, err := ParseStatusRule(bad)
		assert.Error(t, err, bad)
	}

	r, _ := ParseStatusRule("4xx")
	assert.Equal(t, "4xx", r.String())
}

func TestParseLatencyBound(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"<500ms": 500 * time.Millisecond,
		"500ms":  500 * time.Millisecond,
		"500":    500 * time.Millisecond,
		"<= 2s":  2 * time.Second,
	} {
		got, err := ParseLatencyBound(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLatencyBound("<")
	assert.Error(t, err)
	_, err = ParseLatencyBound("-5")
	assert.Error(t, err)
}

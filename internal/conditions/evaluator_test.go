package conditions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []Invocation
	fn    func(ctx context.Context, inv Invocation) (*ToolResult, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, inv Invocation) (*ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()
	return f.fn(ctx, inv)
}

func exitWith(code int, stdout string) *fakeInvoker {
	return &fakeInvoker{fn: func(context.Context, Invocation) (*ToolResult, error) {
		return &ToolResult{ExitCode: code, Stdout: stdout}, nil
	}}
}

func TestEvaluateExitCodes(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		state State
	}{
		{"zero is met", 0, StateMet},
		{"one is not met", 1, StateNotMet},
		{"two is not met", 2, StateNotMet},
		{"not executable", 126, StateError},
		{"not found", 127, StateError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(exitWith(tt.code, "ok"))
			st := e.Evaluate(context.Background(), Config{Type: TypeTestsPass}, EvalContext{Iteration: 2})
			assert.Equal(t, tt.state, st.State)
			require.NotNil(t, st.ExitCode)
			assert.Equal(t, tt.code, *st.ExitCode)
			assert.Equal(t, 2, st.Iteration)
			assert.NotNil(t, st.EvaluatedAt)
			if tt.state == StateError {
				assert.Contains(t, st.Error, ErrVerificationTool.Error())
			}
		})
	}
}

func TestEvaluateUsesDefaultAndExplicitTools(t *testing.T) {
	inv := exitWith(0, "")
	e := NewEvaluator(inv)
	ctx := context.Background()

	e.Evaluate(ctx, Config{Type: TypeBuildSucceeds}, EvalContext{WorkDir: "/src", SessionID: "s1", Iteration: 1})
	e.Evaluate(ctx, Config{Type: TypeLintClean, Tool: "make lint", Args: []string{"-j4"}}, EvalContext{})

	require.Len(t, inv.calls, 2)
	assert.Equal(t, "go build ./...", inv.calls[0].Tool)
	assert.Equal(t, "/src", inv.calls[0].WorkDir)
	assert.Contains(t, inv.calls[0].Env, "GOLOOP_SESSION_ID=s1")
	assert.Equal(t, DefaultTimeout, inv.calls[0].Timeout)
	assert.Equal(t, "make lint", inv.calls[1].Tool)
	assert.Equal(t, []string{"-j4"}, inv.calls[1].Args)
}

func TestEvaluateTimeout(t *testing.T) {
	blocking := &fakeInvoker{fn: func(ctx context.Context, _ Invocation) (*ToolResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := NewEvaluator(blocking, WithTimeout(20*time.Millisecond))

	st := e.Evaluate(context.Background(), Config{Type: TypeTestsPass}, EvalContext{Iteration: 1})
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.Error, ErrVerificationTimeout.Error())
	assert.Nil(t, st.ExitCode)
}

func TestEvaluateTimeoutWhenToolIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := &fakeInvoker{fn: func(context.Context, Invocation) (*ToolResult, error) {
		<-release
		return &ToolResult{}, nil
	}}
	e := NewEvaluator(stuck, WithTimeout(20*time.Millisecond))

	start := time.Now()
	st := e.Evaluate(context.Background(), Config{Type: TypeTestsPass}, EvalContext{})
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.Error, ErrVerificationTimeout.Error())
}

func TestEvaluateTransportFailure(t *testing.T) {
	broken := &fakeInvoker{fn: func(context.Context, Invocation) (*ToolResult, error) {
		return nil, errors.New("connection refused")
	}}
	st := NewEvaluator(broken).Evaluate(context.Background(), Config{Type: TypeSecurityScanClean}, EvalContext{})
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.Error, ErrVerificationTool.Error())
	assert.Contains(t, st.Error, "connection refused")
}

func TestEvaluateNoInvoker(t *testing.T) {
	st := NewEvaluator(nil).Evaluate(context.Background(), Config{Type: TypeTestsPass}, EvalContext{})
	assert.Equal(t, StateError, st.State)
}

func TestEvaluateCustom(t *testing.T) {
	ctx := context.Background()
	e := NewEvaluator(nil, WithTimeout(50*time.Millisecond))

	met := e.Evaluate(ctx, Config{Type: TypeCustom, Name: "coverage", Custom: func(_ context.Context, ec EvalContext) (CustomResult, error) {
		return CustomResult{Met: ec.State["coverage"].(float64) >= 0.8, Output: "coverage ok"}, nil
	}}, EvalContext{State: map[string]any{"coverage": 0.9}})
	assert.Equal(t, StateMet, met.State)
	assert.Equal(t, "coverage", met.Name)
	assert.Equal(t, "coverage ok", met.Output)

	notMet := e.Evaluate(ctx, Config{Type: TypeCustom, Custom: func(context.Context, EvalContext) (CustomResult, error) {
		return CustomResult{Met: false}, nil
	}}, EvalContext{})
	assert.Equal(t, StateNotMet, notMet.State)
	require.NotNil(t, notMet.ExitCode)
	assert.Equal(t, 1, *notMet.ExitCode)

	failed := e.Evaluate(ctx, Config{Type: TypeCustom, Custom: func(context.Context, EvalContext) (CustomResult, error) {
		return CustomResult{}, errors.New("boom")
	}}, EvalContext{})
	assert.Equal(t, StateError, failed.State)
	assert.Contains(t, failed.Error, "boom")

	panicked := e.Evaluate(ctx, Config{Type: TypeCustom, Custom: func(context.Context, EvalContext) (CustomResult, error) {
		panic("bad check")
	}}, EvalContext{})
	assert.Equal(t, StateError, panicked.State)
	assert.Contains(t, panicked.Error, "bad check")

	slow := e.Evaluate(ctx, Config{Type: TypeCustom, Custom: func(ctx context.Context, _ EvalContext) (CustomResult, error) {
		<-ctx.Done()
		return CustomResult{}, ctx.Err()
	}}, EvalContext{})
	assert.Equal(t, StateError, slow.State)
	assert.Contains(t, slow.Error, ErrVerificationTimeout.Error())
}

func TestEvaluateSkipAndUnknown(t *testing.T) {
	inv := exitWith(0, "")
	e := NewEvaluator(inv)

	st := e.Evaluate(context.Background(), Config{Type: TypeTestsPass, Skip: true}, EvalContext{})
	assert.Equal(t, StateSkipped, st.State)
	assert.Empty(t, inv.calls)

	st = e.Evaluate(context.Background(), Config{Type: "coverage"}, EvalContext{})
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.Error, ErrUnknownType.Error())
}

func TestEvaluateTruncatesOutput(t *testing.T) {
	long := strings.Repeat("é", 3000) // 6000 bytes
	e := NewEvaluator(exitWith(1, long), WithMaxOutput(1000))
	st := e.Evaluate(context.Background(), Config{Type: TypeTestsPass}, EvalContext{})
	assert.Less(t, len(st.Output), 1100)
	assert.True(t, utf8.ValidString(st.Output))
	assert.Contains(t, st.Output, "truncated")
}

func TestTruncateOutput(t *testing.T) {
	assert.Equal(t, "short", TruncateOutput("short", 100))
	assert.Equal(t, "anything", TruncateOutput("anything", 0))

	s := strings.Repeat("a", 50) + strings.Repeat("日本", 100) + "SUMMARY: FAIL"
	out := TruncateOutput(s, 100)
	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasPrefix(out, strings.Repeat("a", 50)))
	assert.True(t, strings.HasSuffix(out, "FAIL"))
}

func TestBoundedBuffer(t *testing.T) {
	b := NewBoundedBuffer(4)
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = b.Write([]byte("gh"))
	assert.Equal(t, "abcd\n...[4 bytes dropped]", b.String())
}

func TestParseType(t *testing.T) {
	for _, in := range []string{"tests-pass", "tests_pass", " TESTS-PASS "} {
		got, err := ParseType(in)
		require.NoError(t, err, in)
		assert.Equal(t, TypeTestsPass, got)
	}
	_, err := ParseType("coverage")
	assert.Error(t, err)
}

func TestConfigValidateAndDue(t *testing.T) {
	assert.NoError(t, Config{Type: TypeLintClean}.Validate())
	assert.Error(t, Config{Type: "nope"}.Validate())
	assert.Error(t, Config{Type: TypeCustom}.Validate())
	assert.NoError(t, Config{Type: TypeCustom, Skip: true}.Validate())
	assert.Error(t, Config{Type: TypeTestsPass, Every: -1}.Validate())

	every3 := Config{Type: TypeTestsPass, Every: 3}
	assert.False(t, every3.Due(1))
	assert.False(t, every3.Due(2))
	assert.True(t, every3.Due(3))
	assert.True(t, Config{Type: TypeTestsPass}.Due(1))
}

func TestSummary(t *testing.T) {
	statuses := []Status{
		{State: StateMet},
		{State: StateSkipped},
		{State: StateNotMet},
	}
	met, total := Summary(statuses)
	assert.Equal(t, 1, met)
	assert.Equal(t, 2, total)
	assert.False(t, AllMet(statuses))

	statuses[2].State = StateMet
	assert.True(t, AllMet(statuses))
	assert.False(t, AllMet([]Status{{State: StateSkipped}}))
	assert.False(t, AllMet(nil))
}

func TestCloneIsDeep(t *testing.T) {
	code := 3
	now := time.Now()
	orig := []Status{{Name: "a", ExitCode: &code, EvaluatedAt: &now}}
	cp := CloneAll(orig)
	*cp[0].ExitCode = 9
	assert.Equal(t, 3, *orig[0].ExitCode)
}

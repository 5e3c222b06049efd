package quality

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	v := ExitCode()

	assert.True(t, v.Validate(Output{ExitCode: 0}).Pass)

	verdict := v.Validate(Output{ExitCode: 2})
	assert.False(t, verdict.Pass)
	assert.Equal(t, "exit code 2", verdict.Reason)

	assert.False(t, v.Validate(Output{TimedOut: true}).Pass)
}

func TestTokenScan_TableDriven(t *testing.T) {
	tests := []struct {
		name   string
		output string
		pass   bool
	}{
		{"clean", "All files pass", true},
		{"failed token", "3 tests failed", false},
		{"error token", "ERROR in src/app.ts", false},
		{"zero errors summary", "✔ 0 errors, 0 warnings", true},
		{"zero failed summary", "Tests: 0 failed, 12 passed", true},
		{"substring not a token", "errorBoundary.tsx compiled", true},
		{"failure word", "Failure: expected 1", false},
		{"no errors found", "No errors found.", true},
		{"no failures", "Ran 40 specs, no failures", true},
		{"errors none", "errors: none", true},
		{"failed zero", "passed: 12, failed: 0", true},
		{"errors counted", "errors: 2", false},
		{"no errors then a real one", "no errors in lib/\nerror TS2304: Cannot find name 'x'", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := TokenScan(nil).Validate(Output{Stdout: tt.output})
			assert.Equal(t, tt.pass, verdict.Pass, verdict.Reason)
		})
	}
}

func TestTokenScan_ExitZeroStillFails(t *testing.T) {
	v, err := ByName("token-scan")
	require.NoError(t, err)

	verdict := v.Validate(Output{ExitCode: 0, Stderr: "1 test failed"})
	assert.False(t, verdict.Pass)
}

func TestCountPattern(t *testing.T) {
	v := CountPattern(regexp.MustCompile(`(\d+) problems?`), "lint problems")

	assert.True(t, v.Validate(Output{Stdout: "0 problems"}).Pass)
	verdict := v.Validate(Output{Stdout: "✖ 12 problems (3 errors, 9 warnings)"})
	assert.False(t, verdict.Pass)
	assert.Equal(t, "12 lint problems reported", verdict.Reason)
}

func TestAnyAll(t *testing.T) {
	failing := ValidatorFunc(func(Output) Verdict { return fail("nope") })
	passing := ValidatorFunc(func(Output) Verdict { return pass() })

	assert.False(t, All(passing, failing).Validate(Output{}).Pass)
	assert.True(t, All().Validate(Output{}).Pass)
	assert.True(t, Any(failing, passing).Validate(Output{}).Pass)

	verdict := Any(failing, failing).Validate(Output{})
	assert.False(t, verdict.Pass)
	assert.Equal(t, "nope; nope", verdict.Reason)
}

func TestByName(t *testing.T) {
	for _, name := range Names() {
		v, err := ByName(name)
		require.NoError(t, err, name)
		assert.NotNil(t, v)
	}

	v, err := ByName("")
	require.NoError(t, err)
	assert.False(t, v.Validate(Output{ExitCode: 1}).Pass)

	_, err = ByName("sonar")
	assert.ErrorIs(t, err, ErrUnknownValidator)
}

func TestTypecheckValidator(t *testing.T) {
	v, err := ByName("typecheck")
	require.NoError(t, err)

	assert.True(t, v.Validate(Output{Stdout: "Found 0 errors."}).Pass)
	assert.False(t, v.Validate(Output{Stdout: "src/a.ts(1,1): error TS2304: Cannot find name 'x'."}).Pass)
	assert.False(t, v.Validate(Output{Stdout: "Found 2 errors in 1 file."}).Pass)
}

func TestOutput_Combined(t *testing.T) {
	assert.Equal(t, "a\nb", Output{Stdout: "a", Stderr: "b"}.Combined())
	assert.Equal(t, "b", Output{Stderr: "b"}.Combined())
	assert.Equal(t, "a", Output{Stdout: "a"}.Combined())
}

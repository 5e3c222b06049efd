package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPipelineError_IsKind(t *testing.T) {
	err := NewPipelineError("Verify", PhaseSetup, "token expired", "firebase login --reauth", ErrAuthentication)

	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, "Verify [setup]: token expired", err.Error())
	assert.Equal(t, "firebase login --reauth", RemediationFor(err))
	assert.Equal(t, ErrAuthentication, KindOf(err))
}

func TestPipelineError_WrappedStillMatches(t *testing.T) {
	err := fmt.Errorf("phase build: %w", NewPipelineError("Build", PhaseBuild, "2 failed", "", ErrBuild))

	assert.ErrorIs(t, err, ErrBuild)
	assert.Equal(t, DefaultRemediation, RemediationFor(err))
}

func TestWrapUnexpected(t *testing.T) {
	cause := errors.New("nil map")
	err := WrapUnexpected("Deploy", PhaseDeploy, cause)

	assert.ErrorIs(t, err, ErrUnexpected)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrUnexpected, KindOf(err))
}

func TestWrapUnexpected_PassesPipelineErrors(t *testing.T) {
	orig := NewPipelineError("Build", PhaseBuild, "x", "", ErrBuild)
	assert.Same(t, orig, WrapUnexpected("Run", PhaseBuild, orig))
	assert.NoError(t, WrapUnexpected("Run", PhaseBuild, nil))
}

func TestRemediationFor_Nil(t *testing.T) {
	assert.Empty(t, RemediationFor(nil))
}

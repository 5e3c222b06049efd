package command

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellSpec(script string) Spec {
	return Spec{Label: "test", Name: "sh", Args: []string{"-c", script}, Timeout: 10 * time.Second}
}

func TestExecRunner_Success(t *testing.T) {
	logDir := t.TempDir()
	r := NewExecRunner(logDir, nil)

	res, err := r.Run(context.Background(), shellSpec("echo hello; echo oops 1>&2"))
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello", res.Stdout)
	assert.Equal(t, "oops", res.Stderr)
	assert.Equal(t, "hello\noops", res.Combined())
	assert.False(t, res.TimedOut)

	require.NotEmpty(t, res.LogPath)
	data, err := os.ReadFile(res.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "$ sh -c echo hello")
	assert.Contains(t, string(data), "hello")
	assert.Equal(t, logDir, filepath.Dir(res.LogPath))
}

func TestExecRunner_NonZeroExitIsNotAnError(t *testing.T) {
	r := NewExecRunner("", nil)

	res, err := r.Run(context.Background(), shellSpec("echo failing; exit 3"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "failing", res.Stdout)
	assert.Empty(t, res.LogPath)
}

func TestExecRunner_Timeout(t *testing.T) {
	r := NewExecRunner("", nil)
	spec := shellSpec("sleep 5")
	spec.Timeout = 100 * time.Millisecond

	res, err := r.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.Stderr, "command timeout after 100ms")
}

func TestExecRunner_NotFound(t *testing.T) {
	r := NewExecRunner("", nil)

	_, err := r.Run(context.Background(), Spec{Name: "definitely-not-a-real-binary-xyz"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.LookPath("definitely-not-a-real-binary-xyz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecRunner_Dir(t *testing.T) {
	dir := t.TempDir()
	r := NewExecRunner("", nil)
	spec := shellSpec("pwd")
	spec.Dir = dir

	res, err := r.Run(context.Background(), spec)
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(res.Stdout)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSpec_String(t *testing.T) {
	assert.Equal(t, "firebase", Spec{Name: "firebase"}.String())
	assert.Equal(t, "npm run build", Spec{Name: "npm", Args: []string{"run", "build"}}.String())
}

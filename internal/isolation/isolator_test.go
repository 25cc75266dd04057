package isolation

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func assertDenied(t *testing.T, err error) {
	t.Helper()
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodePermission, fe.Code)
	assert.False(t, fe.IsRetryable())
}

func TestCheckDir_NoRules_Allowed(t *testing.T) {
	assert.NoError(t, Limits{}.CheckDir("/any/where"))
}

func TestCheckDir_Deny(t *testing.T) {
	l := Limits{DenyDirs: []string{"/secret"}}
	assertDenied(t, l.CheckDir("/secret"))
	assertDenied(t, l.CheckDir("/secret/nested"))
	assert.NoError(t, l.CheckDir("/secretive"))
}

func TestCheckDir_DenyBeatsAllow(t *testing.T) {
	l := Limits{WorkDirs: []string{"/data"}, DenyDirs: []string{"/data/private"}}
	assert.NoError(t, l.CheckDir("/data/public"))
	assertDenied(t, l.CheckDir("/data/private/x"))
}

func TestCheckDir_OutsideWorkDirs(t *testing.T) {
	l := Limits{WorkDirs: []string{"/data"}}
	assertDenied(t, l.CheckDir("/etc"))
	assertDenied(t, l.CheckDir("/data/../etc"))
}

func TestCheckDir_SymlinkResolved(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	real := filepath.Join(root, "real")
	require.NoError(t, os.Mkdir(real, 0o755))
	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(real, link))

	l := Limits{WorkDirs: []string{real}}
	assert.NoError(t, l.CheckDir(filepath.Join(link, "not-yet-created")))
}

func TestCheckDir_NullByte(t *testing.T) {
	assertDenied(t, Limits{}.CheckDir("/tmp/a\x00b"))
}

func TestWithin(t *testing.T) {
	assert.True(t, within("/tmp", "/tmp"))
	assert.True(t, within("/tmp/a/b", "/tmp"))
	assert.False(t, within("/tmpevil", "/tmp"))
	assert.False(t, within("/", "/tmp"))
}

func TestTimeoutIsolator_NoCaps(t *testing.T) {
	assert.Equal(t, Caps{}, NewTimeoutIsolator().Capabilities())
}

func TestTimeoutIsolator_Wrap_CopiesCommand(t *testing.T) {
	original := exec.Command("echo", "hello")
	original.Dir = os.TempDir()
	original.Env = []string{"FOO=bar"}
	var buf bytes.Buffer
	original.Stdout = &buf

	wrapped, release, err := NewTimeoutIsolator().Wrap(context.Background(), original, Limits{})
	require.NoError(t, err)
	defer release()

	assert.Equal(t, original.Path, wrapped.Path)
	assert.Equal(t, original.Args, wrapped.Args)
	assert.Equal(t, original.Dir, wrapped.Dir)
	assert.Equal(t, []string{"FOO=bar"}, wrapped.Env)
	assert.Equal(t, &buf, wrapped.Stdout)
}

func TestTimeoutIsolator_Wrap_DeniedDir(t *testing.T) {
	cmd := exec.Command("echo")
	cmd.Dir = "/secret"
	_, _, err := NewTimeoutIsolator().Wrap(context.Background(), cmd, Limits{DenyDirs: []string{"/secret"}})
	assertDenied(t, err)
}

func TestTimeoutIsolator_Wrap_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewTimeoutIsolator().Wrap(ctx, exec.Command("echo"), Limits{})
	require.Error(t, err)
}

func TestTimeoutIsolator_Timeout_KillsProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sleep not available")
	}
	wrapped, release, err := NewTimeoutIsolator().Wrap(context.Background(), exec.Command("sleep", "60"), Limits{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer release()

	start := time.Now()
	require.Error(t, wrapped.Run())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTimeoutIsolator_CapturesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("echo differs on windows")
	}
	cmd := exec.Command("echo", "hello world")
	var out bytes.Buffer
	cmd.Stdout = &out

	wrapped, release, err := NewTimeoutIsolator().Wrap(context.Background(), cmd, Limits{})
	require.NoError(t, err)
	defer release()

	require.NoError(t, wrapped.Run())
	assert.Equal(t, "hello world\n", out.String())
}

func TestNewIsolator_NotNil(t *testing.T) {
	assert.NotNil(t, NewIsolator())
}

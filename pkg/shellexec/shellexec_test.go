package shellexec

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/effect"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func TestRunCapturesExitAndOutput(t *testing.T) {
	r := NewRunner(nil)
	tests := []struct {
		name     string
		command  string
		exitCode int
		stdout   string
		stderr   string
	}{
		{"success with stdout", "echo hello", 0, "hello\n", ""},
		{"failure with stderr", "echo oops >&2; exit 3", 3, "", "oops\n"},
		{"exit code only", "exit 7", 7, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Run(context.Background(), effect.Shell{Step: "s", Command: tt.command})
			assert.Equal(t, tt.exitCode, res.ExitCode)
			assert.Equal(t, tt.stdout, res.StdoutTail)
			assert.Equal(t, tt.stderr, res.StderrTail)
		})
	}
}

func TestRunUsesCwdAndEnv(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(nil)
	res := r.Run(context.Background(), effect.Shell{
		Step:    "s",
		Command: "pwd; printf '%s' \"$FOREMAN_TEST_VAR\"",
		Cwd:     dir,
		Env:     map[string]string{"FOREMAN_TEST_VAR": "val"},
	})
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.StdoutTail, dir)
	assert.Contains(t, res.StdoutTail, "val")
}

func TestCancelOwnerAbortsRun(t *testing.T) {
	r := NewRunner(nil)
	owner := types.OwnerJob(types.NewJobID())

	done := make(chan ShellResultLike, 1)
	go func() {
		res := r.Run(context.Background(), effect.Shell{Owner: owner, Step: "s", Command: "sleep 30"})
		done <- ShellResultLike{ExitCode: res.ExitCode, Err: res.Err}
	}()

	// Give the process a moment to start, then cancel.
	time.Sleep(200 * time.Millisecond)
	r.CancelOwner(owner)

	select {
	case res := <-done:
		assert.Error(t, res.Err)
		assert.Equal(t, -1, res.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not abort the run")
	}
}

// ShellResultLike keeps the test decoupled from the engine package.
type ShellResultLike struct {
	ExitCode int
	Err      error
}

func TestTimeoutAborts(t *testing.T) {
	r := NewRunner(nil)
	res := r.Run(context.Background(), effect.Shell{
		Step: "s", Command: "sleep 30", Timeout: 100 * time.Millisecond,
	})
	assert.Equal(t, -1, res.ExitCode)
	assert.Error(t, res.Err)
}

func TestListParsesQueueLines(t *testing.T) {
	r := NewRunner(nil)
	items, err := r.List(context.Background(),
		`printf '{"id":"a","cmd":"x"}\n{"id":"b"}\nnot json\n{"nope":1}\n'`, "")
	require.NoError(t, err)
	require.Len(t, items, 2, "lines without a parseable id are skipped")
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, `{"id":"a","cmd":"x"}`, items[0].Payload)
	assert.Equal(t, "b", items[1].ID)
}

func TestTakeReportsLostClaim(t *testing.T) {
	r := NewRunner(nil)
	assert.NoError(t, r.Take(context.Background(), "true", "", "it-1", "{}"))
	assert.Error(t, r.Take(context.Background(), "false", "", "it-1", "{}"))
}

func TestTailCapsCapturedOutput(t *testing.T) {
	r := NewRunner(nil)
	res := r.Run(context.Background(), effect.Shell{
		Step:    "s",
		Command: "head -c 10000 /dev/zero | tr '\\0' 'x'",
	})
	assert.Equal(t, 0, res.ExitCode)
	assert.Len(t, res.StdoutTail, tailLimit)
}

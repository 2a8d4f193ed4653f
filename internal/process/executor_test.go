//go:build !windows
// +build !windows

package process

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExecutor(t *testing.T) *Executor {
	t.Helper()
	e := NewExecutor(hclog.NewNullLogger())
	t.Cleanup(e.Close)
	return e
}

func TestRunCapturesOutput(t *testing.T) {
	e := testExecutor(t)
	out, code, err := e.Run(context.Background(), "echo hello", Opts{})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello\n", string(out))
}

func TestNonZeroExitIsNotAnError(t *testing.T) {
	e := testExecutor(t)
	out, code, err := e.Run(context.Background(), "echo oops >&2; exit 3", Opts{})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Contains(t, string(out), "oops")
}

func TestRunMergesStderrIntoOutput(t *testing.T) {
	e := testExecutor(t)
	out, code, err := e.Run(context.Background(), "echo out; echo err >&2", Opts{})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, string(out), "out")
	assert.Contains(t, string(out), "err")
}

func TestRunEnv(t *testing.T) {
	e := testExecutor(t)
	out, code, err := e.Run(context.Background(), "echo $NEXUS_TEST_VALUE", Opts{
		Env: map[string]string{"NEXUS_TEST_VALUE": "42"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "42\n", string(out))
}

func TestTimeoutKillsProcess(t *testing.T) {
	e := testExecutor(t)
	start := time.Now()
	_, _, err := e.Run(context.Background(), "sleep 30", Opts{Timeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimedOut), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStreamingTagsChunks(t *testing.T) {
	e := testExecutor(t)
	var mu sync.Mutex
	byTag := map[ChunkTag][]byte{}
	code, err := e.RunStreaming(context.Background(), "printf out; printf err >&2", Opts{}, func(tag ChunkTag, chunk []byte) {
		mu.Lock()
		defer mu.Unlock()
		byTag[tag] = append(byTag[tag], chunk...)
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "out", string(byTag[Stdout]))
	assert.Equal(t, "err", string(byTag[Stderr]))
}

func TestContextCancelStopsProcess(t *testing.T) {
	e := testExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, _, err := e.Run(ctx, "sleep 30", Opts{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClosedExecutorRejectsSpawns(t *testing.T) {
	e := NewExecutor(hclog.NewNullLogger())
	e.Close()
	_, _, err := e.Run(context.Background(), "echo hi", Opts{})
	assert.ErrorIs(t, err, ErrClosing)
}

package bindfixture

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestLogFollower(t *testing.T) {
	path := filepath.Join(t.TempDir(), "named.log")
	require.NoError(t, os.WriteFile(path, []byte("already there\n"), FileMode))

	var c lineCollector
	f, err := FollowLog(context.Background(), path, c.add)
	require.NoError(t, err)

	w, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.WriteString("loading configuration\nrunning\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(c.get()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	_, err = w.WriteString("partial")
	require.NoError(t, err)
	require.NoError(t, f.Stop())

	assert.Equal(t, []string{"already there", "loading configuration", "running", "partial"}, c.get())
}

func TestLogFollowerIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "named.log")
	require.NoError(t, os.WriteFile(path, nil, FileMode))

	var c lineCollector
	f, err := FollowLog(context.Background(), path, c.add)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "named.pid"), []byte("123\n"), FileMode))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.Stop())

	assert.Empty(t, c.get())
}

func TestFollowLogMissingFile(t *testing.T) {
	_, err := FollowLog(context.Background(), filepath.Join(t.TempDir(), "nope.log"), func(string) {})
	assert.Error(t, err)
}

package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestCoalescerCollapsesBurst(t *testing.T) {
	dir := t.TempDir()
	c, err := NewWithWindow(logrus.New(), 20*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Add(dir))

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "remote.conf"), []byte("x"), 0o644))
	}

	select {
	case <-c.Changed():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a coalesced change notification")
	}

	select {
	case <-c.Changed():
		t.Fatal("expected burst to collapse into a single notification")
	case <-time.After(100 * time.Millisecond):
	}
}

package history_test

import (
	"testing"

	"github.com/gxo-labs/statesync/internal/history"

	"github.com/stretchr/testify/assert"
)

func TestMemoryNavigator_PushTruncatesForwardEntries(t *testing.T) {
	nav := history.NewMemoryNavigator("/a")
	nav.Push("/b")
	nav.Push("/c")
	assert.True(t, nav.Back())
	assert.True(t, nav.Back())
	assert.Equal(t, "/a", nav.URL())

	nav.Push("/d")
	assert.Equal(t, []string{"/a", "/d"}, nav.Entries())
	assert.Equal(t, 1, nav.Index())
	assert.False(t, nav.Forward())
}

func TestMemoryNavigator_Notifications(t *testing.T) {
	nav := history.NewMemoryNavigator("/a")
	calls := 0
	cancel := nav.OnChange(func() {
		calls++
		_ = nav.URL()
	})

	nav.Push("/b")
	nav.Replace("/b2")
	assert.Equal(t, 0, calls, "writes do not notify by default")

	assert.True(t, nav.Back())
	assert.True(t, nav.Go(1))
	assert.Equal(t, "/b2", nav.URL())
	assert.False(t, nav.Go(5))
	assert.False(t, nav.Go(0))
	assert.Equal(t, 2, calls)

	cancel()
	cancel()
	assert.True(t, nav.Back())
	assert.Equal(t, 2, calls)
}

func TestMemoryNavigator_NotifyOnWrite(t *testing.T) {
	nav := history.NewMemoryNavigator("/a", history.WithNotifyOnWrite())
	calls := 0
	nav.OnChange(func() { calls++ })

	nav.Push("/b")
	nav.Replace("/c")
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, nav.Len())
}

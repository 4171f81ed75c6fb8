package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetOrCreateCreatesOnce(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir, nil)
	require.NoError(t, err)
	defer reg.CloseAll()

	topic, err := reg.GetOrCreate("orders")
	require.NoError(t, err)
	require.NotNil(t, topic)

	again, err := reg.GetOrCreate("orders")
	require.NoError(t, err)
	assert.Same(t, topic, again)
}

func TestRegistry_GetOrCreateConcurrentCallersShareOneTopic(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir, nil)
	require.NoError(t, err)
	defer reg.CloseAll()

	const n = 20
	results := make([]interface{ NextOffset() uint64 }, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			topic, err := reg.GetOrCreate("shared")
			require.NoError(t, err)
			results[i] = topic
		}(i)
	}
	wg.Wait()

	first := results[0]
	for _, r := range results {
		assert.Same(t, first, r)
	}
}

func TestRegistry_GetReturnsFalseWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir, nil)
	require.NoError(t, err)
	defer reg.CloseAll()

	_, ok := reg.Get("nope")
	assert.False(t, ok)
}

func TestRegistry_ListReflectsCreatedTopics(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir, nil)
	require.NoError(t, err)
	defer reg.CloseAll()

	_, err = reg.GetOrCreate("a")
	require.NoError(t, err)
	_, err = reg.GetOrCreate("b")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a", "b"}, reg.List())
}

func TestRegistry_OpenRecoversExistingTopicsFromDisk(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir, nil)
	require.NoError(t, err)

	topic, err := reg.GetOrCreate("orders")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := topic.Append([]byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, reg.CloseAll())

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	defer reopened.CloseAll()

	recovered, ok := reopened.Get("orders")
	require.True(t, ok)
	assert.Equal(t, uint64(3), recovered.NextOffset())
}

func TestRegistry_OpenSkipsTopicsThatFailToOpenOnStartup(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir, nil)
	require.NoError(t, err)
	_, err = reg.GetOrCreate("good")
	require.NoError(t, err)
	require.NoError(t, reg.CloseAll())

	// "bad" exists as a topic directory but its metadata.meta is itself a
	// directory, so storage.Open's metadata load/rewrite fails. The scan
	// must skip it rather than aborting the whole startup.
	badDir := filepath.Join(dir, "bad")
	require.NoError(t, os.MkdirAll(filepath.Join(badDir, "metadata.meta"), 0750))

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	defer reopened.CloseAll()

	names := reopened.List()
	assert.Contains(t, names, "good")
	assert.NotContains(t, names, "bad")
}

func TestRegistry_OpenCreatesBaseDirIfMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "base")
	reg, err := Open(dir, nil)
	require.NoError(t, err)
	defer reg.CloseAll()
	assert.Empty(t, reg.List())
}

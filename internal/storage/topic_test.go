package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestTopic(t *testing.T, dir string) *Topic {
	t.Helper()
	topic, err := Open("orders", dir, true, nil)
	require.NoError(t, err)
	return topic
}

func TestTopic_AppendAssignsMonotonicOffsets(t *testing.T) {
	dir := t.TempDir()
	topic := openTestTopic(t, dir)
	defer topic.Close()

	for i := 0; i < 5; i++ {
		off, err := topic.Append([]byte("payload"))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), off)
	}
	assert.Equal(t, uint64(5), topic.NextOffset())
}

func TestTopic_ReadRangeReturnsInOrder(t *testing.T) {
	dir := t.TempDir()
	topic := openTestTopic(t, dir)
	defer topic.Close()

	payloads := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	for _, p := range payloads {
		_, err := topic.Append(p)
		require.NoError(t, err)
	}

	msgs, err := topic.ReadRange(0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, uint64(i), m.Offset)
		assert.Equal(t, payloads[i], m.Payload)
	}
}

func TestTopic_ReadRangeRespectsMaxAndStart(t *testing.T) {
	dir := t.TempDir()
	topic := openTestTopic(t, dir)
	defer topic.Close()

	for i := 0; i < 10; i++ {
		_, err := topic.Append([]byte{byte(i)})
		require.NoError(t, err)
	}

	msgs, err := topic.ReadRange(3, 4)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, uint64(3), msgs[0].Offset)
	assert.Equal(t, uint64(6), msgs[3].Offset)
}

func TestTopic_ReadRangePastEndIsEmpty(t *testing.T) {
	dir := t.TempDir()
	topic := openTestTopic(t, dir)
	defer topic.Close()

	_, err := topic.Append([]byte("x"))
	require.NoError(t, err)

	msgs, err := topic.ReadRange(50, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestTopic_OpenWithoutCreateFailsWhenMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	_, err := Open("orders", dir, false, nil)
	require.Error(t, err)
}

// TestTopic_RecoveryFromTruncatedIndex simulates a crash right after
// data.log was written but before index.idx caught up: delete the index
// entirely and reopen, expecting the scan to rebuild it from data.log.
func TestTopic_RecoveryFromTruncatedIndex(t *testing.T) {
	dir := t.TempDir()
	topic := openTestTopic(t, dir)

	var offsets []uint64
	for i := 0; i < 5; i++ {
		off, err := topic.Append([]byte("payload"))
		require.NoError(t, err)
		offsets = append(offsets, off)
	}
	require.NoError(t, topic.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, indexFileName)))

	reopened, err := Open("orders", dir, false, nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(5), reopened.NextOffset())
	msgs, err := reopened.ReadRange(0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
}

// TestTopic_RecoveryFromMissingMetadata covers the case where
// metadata.meta was lost but data.log and index.idx survived.
func TestTopic_RecoveryFromMissingMetadata(t *testing.T) {
	dir := t.TempDir()
	topic := openTestTopic(t, dir)

	for i := 0; i < 3; i++ {
		_, err := topic.Append([]byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, topic.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, metadataFileName)))

	reopened, err := Open("orders", dir, false, nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(3), reopened.NextOffset())
}

// TestTopic_RecoveryFromTruncatedDataLog covers a crash mid-write: the
// last record's header was written but the payload was cut short. Recovery
// must stop at that record rather than erroring out, and next_offset must
// reflect only the fully-written records.
func TestTopic_RecoveryFromTruncatedDataLog(t *testing.T) {
	dir := t.TempDir()
	topic := openTestTopic(t, dir)

	for i := 0; i < 3; i++ {
		_, err := topic.Append([]byte("payload"))
		require.NoError(t, err)
	}
	require.NoError(t, topic.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, indexFileName)))
	require.NoError(t, os.Remove(filepath.Join(dir, metadataFileName)))

	dataPath := filepath.Join(dir, dataLogFileName)
	info, err := os.Stat(dataPath)
	require.NoError(t, err)
	f, err := os.OpenFile(dataPath, os.O_RDWR, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(info.Size()-2))
	require.NoError(t, f.Close())

	reopened, err := Open("orders", dir, false, nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(2), reopened.NextOffset())
	msgs, err := reopened.ReadRange(0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestTopic_CloseThenOperateFails(t *testing.T) {
	dir := t.TempDir()
	topic := openTestTopic(t, dir)
	require.NoError(t, topic.Close())

	_, err := topic.Append([]byte("x"))
	assert.Error(t, err)

	_, err = topic.ReadRange(0, 1)
	assert.Error(t, err)
}

func TestTopic_EmptyTopicReadRangeIsEmpty(t *testing.T) {
	dir := t.TempDir()
	topic := openTestTopic(t, dir)
	defer topic.Close()

	msgs, err := topic.ReadRange(0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

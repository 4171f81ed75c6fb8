// Package storage implements the per-topic durable log: data.log,
// index.idx and metadata.meta, with crash recovery that reconciles the
// three. This is the core of the system described in spec.md §4.2.
package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/eventlogio/eventlog/internal/brokererr"
	"github.com/eventlogio/eventlog/internal/codec"
	"github.com/eventlogio/eventlog/internal/model"
)

const (
	dataLogFileName  = "data.log"
	indexFileName    = "index.idx"
	metadataFileName = "metadata.meta"

	// metadataSize is the fixed size of metadata.meta: one u64.
	metadataSize = 8

	// recoverySanityLimit rejects an absurd payload_len while scanning
	// data.log during recovery, the same guard original_source's
	// rebuild_index_if_needed applies before trusting a length prefix.
	recoverySanityLimit = 100 * 1024 * 1024
)

// state is the Topic lifecycle from spec.md §4.5: Initializing covers
// directory creation through writer opening; Ready accepts Append and
// ReadRange; Closed rejects both.
type state int

const (
	stateInitializing state = iota
	stateReady
	stateClosed
)

// Topic owns one topic's three files, the in-memory offset index and
// next_offset, and the mutex serializing every operation that touches them.
type Topic struct {
	name    string
	dirPath string
	logger  *slog.Logger

	mu         sync.Mutex
	state      state
	nextOffset uint64
	index      map[uint64]uint64 // offset -> byte position in data.log
	sortedOffs []uint64          // kept sorted for ReadRange's lower-bound scan

	data *dataLog
	idx  *diskIndex
}

// Open constructs or reopens a Topic rooted at dirPath. If the directory is
// absent and createIfMissing is false, it fails with TopicNotFound.
func Open(name, dirPath string, createIfMissing bool, logger *slog.Logger) (*Topic, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(dirPath); errors.Is(err, os.ErrNotExist) {
		if !createIfMissing {
			return nil, brokererr.New(brokererr.TopicNotFound, fmt.Sprintf("topic directory does not exist: %s", dirPath))
		}
		if err := os.MkdirAll(dirPath, 0750); err != nil {
			return nil, brokererr.Wrap(brokererr.IoError, "create topic directory", err)
		}
	} else if err != nil {
		return nil, brokererr.Wrap(brokererr.IoError, "stat topic directory", err)
	}

	t := &Topic{
		name:    name,
		dirPath: dirPath,
		logger:  logger.With("topic", name),
		state:   stateInitializing,
	}

	nextOffset, err := t.loadMetadata()
	if err != nil {
		return nil, brokererr.Wrap(brokererr.IoError, "load metadata", err)
	}
	t.nextOffset = nextOffset

	index, err := loadIndexEntries(t.indexPath())
	if err != nil {
		return nil, brokererr.Wrap(brokererr.IoError, "load index", err)
	}
	t.index = index

	if err := t.rebuildIndexIfNeeded(); err != nil {
		return nil, brokererr.Wrap(brokererr.IoError, "recover topic", err)
	}
	t.refreshSortedOffsets()

	dl, err := openDataLog(t.dataLogPath())
	if err != nil {
		return nil, brokererr.Wrap(brokererr.IoError, "open data log", err)
	}
	t.data = dl

	idx, err := openIndexForAppend(t.indexPath())
	if err != nil {
		dl.Close()
		return nil, brokererr.Wrap(brokererr.IoError, "open index for append", err)
	}
	t.idx = idx

	t.state = stateReady
	return t, nil
}

func (t *Topic) dataLogPath() string { return filepath.Join(t.dirPath, dataLogFileName) }
func (t *Topic) indexPath() string   { return filepath.Join(t.dirPath, indexFileName) }
func (t *Topic) metaPath() string    { return filepath.Join(t.dirPath, metadataFileName) }

func (t *Topic) loadMetadata() (uint64, error) {
	data, err := os.ReadFile(t.metaPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, t.saveMetadata(0)
		}
		t.logger.Warn("could not read metadata, assuming new topic", "error", err)
		return 0, t.saveMetadata(0)
	}
	if len(data) != metadataSize {
		t.logger.Warn("metadata file has unexpected size, assuming new topic", "size", len(data))
		return 0, t.saveMetadata(0)
	}
	return codec.Disk.Uint64(data), nil
}

func (t *Topic) saveMetadata(nextOffset uint64) error {
	var buf [metadataSize]byte
	codec.Disk.PutUint64(buf[:], nextOffset)
	return os.WriteFile(t.metaPath(), buf[:], 0644)
}

// rebuildIndexIfNeeded is the Go analogue of original_source's
// rebuild_index_if_needed: it reconciles the in-memory index and
// next_offset against what data.log actually contains after an unclean
// shutdown, without ever truncating files.
func (t *Topic) rebuildIndexIfNeeded() error {
	highestIndexed, haveAny := t.highestIndexedOffset()

	dataInfo, statErr := os.Stat(t.dataLogPath())
	dataNonEmpty := statErr == nil && dataInfo.Size() > 0

	// Recovery is needed whenever data.log holds records the in-memory
	// index doesn't account for: either the index is empty while data.log
	// isn't, or the highest indexed offset doesn't match next_offset - 1.
	// The latter catches both a partially-written index (highestIndexed
	// too low) and a metadata.meta that was lost or reset independently of
	// an intact index (highestIndexed higher than the reloaded
	// next_offset claims).
	needsRebuild := dataNonEmpty && (!haveAny || highestIndexed+1 != t.nextOffset)
	if !needsRebuild {
		return nil
	}

	t.logger.Warn("index out of sync with data.log, scanning for recovery",
		"next_offset", t.nextOffset, "highest_indexed", highestIndexed)

	recovered, highestScanned, err := t.scanDataLogForMissingEntries()
	if err != nil {
		return err
	}
	if recovered > 0 {
		t.logger.Info("rebuilt missing index entries", "count", recovered)
		if err := writeIndexAtomic(t.indexPath(), t.index); err != nil {
			return err
		}
	}

	newNextOffset := t.computeRecoveredNextOffset(dataNonEmpty, highestScanned)
	if newNextOffset != t.nextOffset {
		t.logger.Info("adjusting next_offset after recovery scan", "from", t.nextOffset, "to", newNextOffset)
		t.nextOffset = newNextOffset
		if err := t.saveMetadata(t.nextOffset); err != nil {
			return err
		}
	}
	return nil
}

func (t *Topic) highestIndexedOffset() (highest uint64, ok bool) {
	for off := range t.index {
		if !ok || off > highest {
			highest = off
			ok = true
		}
	}
	return highest, ok
}

// scanDataLogForMissingEntries reads data.log from the start, adding any
// record whose offset is below next_offset and not already indexed. A
// next_offset of 0 at scan time means metadata.meta itself was lost or
// reset and carries no trustworthy upper bound, so every readable record is
// indexed regardless of offset in that case. It stops at the first
// unreadable record rather than failing the whole recovery, per spec.md
// §4.2/§7.
func (t *Topic) scanDataLogForMissingEntries() (recovered int, highestScanned uint64, err error) {
	trustworthyBound := t.nextOffset > 0
	file, err := os.Open(t.dataLogPath())
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	var bytePos uint64
	haveScanned := false
	for {
		offset, err := codec.ReadUint64(r, codec.Disk)
		if err != nil {
			break
		}
		payloadLen, err := codec.ReadUint32(r, codec.Disk)
		if err != nil {
			t.logger.Warn("truncated record header during recovery scan", "byte_pos", bytePos)
			break
		}
		if payloadLen > recoverySanityLimit {
			t.logger.Warn("absurd payload length during recovery scan, aborting", "byte_pos", bytePos, "payload_len", payloadLen)
			break
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			t.logger.Warn("truncated payload during recovery scan", "byte_pos", bytePos)
			break
		}

		if _, exists := t.index[offset]; !exists && (!trustworthyBound || offset < t.nextOffset) {
			t.index[offset] = bytePos
			recovered++
		}
		if offset > highestScanned || !haveScanned {
			highestScanned = offset
			haveScanned = true
		}
		bytePos += uint64(recordHeaderWidth) + uint64(payloadLen)
	}
	return recovered, highestScanned, nil
}

func (t *Topic) computeRecoveredNextOffset(dataNonEmpty bool, highestScanned uint64) uint64 {
	if highest, ok := t.highestIndexedOffset(); ok {
		return highest + 1
	}
	if !dataNonEmpty {
		return 0
	}
	return highestScanned + 1
}

func (t *Topic) refreshSortedOffsets() {
	offs := make([]uint64, 0, len(t.index))
	for off := range t.index {
		offs = append(offs, off)
	}
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
	t.sortedOffs = offs
}

// Append assigns the next offset, writes data.log then index.idx then
// metadata.meta in that order -- the order spec.md §4.2 requires so that a
// crash between steps is always recoverable -- and returns the offset.
func (t *Topic) Append(payload []byte) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != stateReady {
		return 0, brokererr.New(brokererr.Internal, "topic is not ready")
	}

	offset := t.nextOffset
	bytePos, err := t.data.Append(offset, payload)
	if err != nil {
		return 0, brokererr.Wrap(brokererr.IoError, "append to data.log", err)
	}
	if err := t.idx.Append(offset, bytePos); err != nil {
		return 0, brokererr.Wrap(brokererr.IoError, "append to index.idx", err)
	}
	t.index[offset] = bytePos
	t.sortedOffs = append(t.sortedOffs, offset)

	t.nextOffset = offset + 1
	if err := t.saveMetadata(t.nextOffset); err != nil {
		return 0, brokererr.Wrap(brokererr.IoError, "persist metadata", err)
	}

	return offset, nil
}

// ReadRange returns up to max messages starting at startOffset. Empty,
// never an error, when startOffset is at or past next_offset or max is 0.
func (t *Topic) ReadRange(startOffset uint64, max uint32) ([]model.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != stateReady {
		return nil, brokererr.New(brokererr.Internal, "topic is not ready")
	}
	if startOffset >= t.nextOffset || max == 0 {
		return nil, nil
	}

	startPos, firstOffset, ok := t.lowerBound(startOffset)
	if !ok {
		return nil, nil
	}

	file, err := os.Open(t.dataLogPath())
	if err != nil {
		return nil, brokererr.Wrap(brokererr.IoError, "open data.log for read", err)
	}
	defer file.Close()
	if _, err := file.Seek(int64(startPos), io.SeekStart); err != nil {
		return nil, brokererr.Wrap(brokererr.IoError, "seek data.log", err)
	}
	r := bufio.NewReader(file)

	messages := make([]model.Message, 0, max)
	cursor := firstOffset
	for uint32(len(messages)) < max && cursor < t.nextOffset {
		fileOffset, err := codec.ReadUint64(r, codec.Disk)
		if err != nil {
			break
		}
		payloadLen, err := codec.ReadUint32(r, codec.Disk)
		if err != nil {
			break
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}

		if fileOffset != cursor {
			t.logger.Warn("index/data mismatch during read_range", "expected_offset", cursor, "found_offset", fileOffset)
			break
		}

		messages = append(messages, model.Message{Offset: fileOffset, Topic: t.name, Payload: payload})
		cursor++
	}
	return messages, nil
}

// lowerBound finds the first indexed offset >= startOffset.
func (t *Topic) lowerBound(startOffset uint64) (bytePos uint64, offset uint64, ok bool) {
	i := sort.Search(len(t.sortedOffs), func(i int) bool { return t.sortedOffs[i] >= startOffset })
	if i == len(t.sortedOffs) {
		return 0, 0, false
	}
	offset = t.sortedOffs[i]
	return t.index[offset], offset, true
}

// NextOffset returns the offset the next Append will receive.
func (t *Topic) NextOffset() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextOffset
}

// Name returns the topic's name.
func (t *Topic) Name() string { return t.name }

// Close flushes and closes the writers, moving the Topic to Closed.
func (t *Topic) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateClosed {
		return nil
	}
	t.state = stateClosed
	var firstErr error
	if err := t.data.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.idx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

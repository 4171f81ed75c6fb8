package storage

import (
	"bufio"
	"errors"
	"os"
	"sort"
	"sync"

	"github.com/tysonmote/gommap"

	"github.com/eventlogio/eventlog/internal/codec"
)

// indexEntryWidth is the u64 offset + u64 bytePos pair written per record.
const indexEntryWidth = 8 + 8

// loadIndexEntries streams (offset, bytePos) pairs from path into a map,
// stopping at EOF or at the first corrupted pair -- per spec.md §4.2 step 2,
// a torn trailing entry is not an error, it just means recovery has work to
// do reconciling against data.log.
func loadIndexEntries(path string) (map[uint64]uint64, error) {
	entries := make(map[uint64]uint64)
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	for {
		offset, err := codec.ReadUint64(r, codec.Disk)
		if err != nil {
			break
		}
		pos, err := codec.ReadUint64(r, codec.Disk)
		if err != nil {
			break
		}
		entries[offset] = pos
	}
	return entries, nil
}

// writeIndexAtomic rewrites the whole index file from entries, sorted by
// offset, via a temp file + rename. Used by recovery when the on-disk index
// is found inconsistent with data.log, instead of the source's habit of
// appending recovered entries onto a possibly-already-correct file.
func writeIndexAtomic(path string, entries map[uint64]uint64) error {
	offsets := make([]uint64, 0, len(entries))
	for off := range entries {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	tmp := path + ".rebuild"
	file, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)
	for _, off := range offsets {
		if err := codec.WriteUint64(w, codec.Disk, off); err != nil {
			file.Close()
			return err
		}
		if err := codec.WriteUint64(w, codec.Disk, entries[off]); err != nil {
			file.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// diskIndex is the mmap-backed append path for index.idx, opened once the
// in-memory index and next_offset have been reconciled by recovery. Growth
// follows the teacher's storage.Consumer.makeSpaceForExtraConsumer pattern:
// truncate the file to fit one more fixed-width entry, then remap.
type diskIndex struct {
	mu   sync.Mutex
	file *os.File
	mmap gommap.MMap
	size uint64 // bytes of valid entries; always a multiple of indexEntryWidth
}

func openIndexForAppend(path string) (*diskIndex, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	d := &diskIndex{file: file, size: uint64(info.Size())}
	mapLen := info.Size()
	if mapLen == 0 {
		mapLen = indexEntryWidth
		if err := file.Truncate(mapLen); err != nil {
			file.Close()
			return nil, err
		}
	}
	mm, err := gommap.Map(file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, err
	}
	d.mmap = mm
	return d, nil
}

func (d *diskIndex) Append(offset, pos uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.growFor(d.size + indexEntryWidth); err != nil {
		return err
	}
	entry := d.mmap[d.size : d.size+indexEntryWidth]
	codec.Disk.PutUint64(entry[0:8], offset)
	codec.Disk.PutUint64(entry[8:16], pos)
	d.size += indexEntryWidth
	return d.mmap.Sync(gommap.MS_SYNC)
}

func (d *diskIndex) growFor(want uint64) error {
	if want <= uint64(len(d.mmap)) {
		return nil
	}
	if err := d.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	if err := d.mmap.UnsafeUnmap(); err != nil {
		return err
	}
	if err := d.file.Truncate(int64(want)); err != nil {
		return err
	}
	mm, err := gommap.Map(d.file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return err
	}
	d.mmap = mm
	return nil
}

func (d *diskIndex) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	if err := d.mmap.UnsafeUnmap(); err != nil {
		return err
	}
	if err := d.file.Truncate(int64(d.size)); err != nil {
		return err
	}
	return d.file.Close()
}

package storage

import (
	"bufio"
	"os"
	"sync"

	"github.com/eventlogio/eventlog/internal/codec"
)

// recordHeaderWidth is the u64 offset + u32 payloadLen prefix on every
// data.log record.
const recordHeaderWidth = 8 + 4

// dataLog is the append-only data.log writer. Reads are never done through
// this type: get_messages/ReadRange always opens a fresh *os.File, per
// spec.md's "read paths open fresh read handles" resource model.
type dataLog struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	size uint64
}

func openDataLog(path string) (*dataLog, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &dataLog{file: file, w: bufio.NewWriter(file), size: uint64(info.Size())}, nil
}

// Append writes offset||payloadLen||payload and flushes before returning, so
// a reader opening a fresh handle immediately after Append returns sees the
// record.
func (d *dataLog) Append(offset uint64, payload []byte) (pos uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pos = d.size
	if err = codec.WriteUint64(d.w, codec.Disk, offset); err != nil {
		return pos, err
	}
	if err = codec.WriteUint32(d.w, codec.Disk, uint32(len(payload))); err != nil {
		return pos, err
	}
	if _, err = d.w.Write(payload); err != nil {
		return pos, err
	}
	if err = d.w.Flush(); err != nil {
		return pos, err
	}
	d.size += uint64(recordHeaderWidth + len(payload))
	return pos, nil
}

func (d *dataLog) Size() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

func (d *dataLog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.w.Flush(); err != nil {
		return err
	}
	return d.file.Close()
}

// Package codec implements the fixed-width and length-prefixed primitives
// shared by the on-disk record formats and the binary wire protocol.
//
// Persisted files (data.log, index.idx, metadata.meta) are always
// little-endian. Wire headers for the binary protocol front-end are always
// big-endian (network byte order). Nothing in this package guesses host byte
// order; callers pick the ByteOrder explicitly.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxPayload bounds any single message payload or wire string.
const MaxPayload = 64 * 1024 * 1024

// Disk is the byte order used for every on-disk file.
var Disk = binary.LittleEndian

// Wire is the byte order used for binary-protocol headers.
var Wire = binary.BigEndian

// WriteUint32 writes v using order.
func WriteUint32(w io.Writer, order binary.ByteOrder, v uint32) error {
	var buf [4]byte
	order.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// WriteUint64 writes v using order.
func WriteUint64(w io.Writer, order binary.ByteOrder, v uint64) error {
	var buf [8]byte
	order.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadUint32 reads a uint32 using order, wrapping io.EOF/io.ErrUnexpectedEOF
// as-is so callers can distinguish a clean end-of-stream from corruption.
func ReadUint32(r io.Reader, order binary.ByteOrder) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return order.Uint32(buf[:]), nil
}

// ReadUint64 reads a uint64 using order.
func ReadUint64(r io.Reader, order binary.ByteOrder) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return order.Uint64(buf[:]), nil
}

// WriteShortString writes a u16-length-prefixed string, used on the wire for
// topic names.
func WriteShortString(w io.Writer, order binary.ByteOrder, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("codec: short string of %d bytes exceeds u16 length prefix", len(s))
	}
	var lenBuf [2]byte
	order.PutUint16(lenBuf[:], uint16(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadShortString reads a u16-length-prefixed string.
func ReadShortString(r io.Reader, order binary.ByteOrder) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := order.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteLongString writes a u32-length-prefixed byte string, used for message
// payloads and error messages.
func WriteLongString(w io.Writer, order binary.ByteOrder, b []byte) error {
	if len(b) > MaxPayload {
		return fmt.Errorf("codec: long string of %d bytes exceeds MaxPayload %d", len(b), MaxPayload)
	}
	if err := WriteUint32(w, order, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadLongString reads a u32-length-prefixed byte string. A declared length
// over MaxPayload is treated as corruption rather than attempted.
func ReadLongString(r io.Reader, order binary.ByteOrder) ([]byte, error) {
	n, err := ReadUint32(r, order)
	if err != nil {
		return nil, err
	}
	if n > MaxPayload {
		return nil, fmt.Errorf("codec: declared length %d exceeds MaxPayload %d", n, MaxPayload)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

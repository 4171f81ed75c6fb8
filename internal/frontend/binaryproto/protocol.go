// Package binaryproto implements the custom length-prefixed TCP protocol
// described by the original event_queue server: a fixed request/response
// header followed by a command-specific payload, all integers big-endian
// on the wire (codec.Wire), strings framed per internal/codec.
package binaryproto

import (
	"fmt"

	"github.com/eventlogio/eventlog/internal/codec"
)

// CommandType identifies a request or response's command.
type CommandType uint8

const (
	CmdProduceRequest       CommandType = 0x01
	CmdConsumeRequest       CommandType = 0x02
	CmdGetTopicOffsetReq    CommandType = 0x03
	CmdCreateTopicRequest   CommandType = 0x04
	CmdListTopicsRequest    CommandType = 0x05
	CmdProduceResponse      CommandType = 0x81
	CmdConsumeResponse      CommandType = 0x82
	CmdGetTopicOffsetResp   CommandType = 0x83
	CmdCreateTopicResponse  CommandType = 0x84
	CmdListTopicsResponse   CommandType = 0x85
	CmdErrorResponse        CommandType = 0xFF
)

// StatusCode reports a response's outcome.
type StatusCode uint8

const (
	StatusSuccess             StatusCode = 0x00
	StatusTopicNotFound       StatusCode = 0x01
	StatusInvalidOffset       StatusCode = 0x02
	StatusSerializationError  StatusCode = 0x03
	StatusProduceFailed       StatusCode = 0x04
	StatusInternalServerError StatusCode = 0x05
	StatusInvalidRequest      StatusCode = 0x06
	StatusPayloadTooLarge     StatusCode = 0x07
	StatusUnknownCommand      StatusCode = 0x08
)

// RequestHeaderSize is CommandType (1 byte) + payload length (u32).
const RequestHeaderSize = 1 + 4

// ResponseHeaderSize is CommandType + StatusCode + payload length (u32).
const ResponseHeaderSize = 1 + 1 + 4

// RequestHeader precedes every request's payload.
type RequestHeader struct {
	Type          CommandType
	PayloadLength uint32
}

// EncodeRequestHeader writes a RequestHeader in wire byte order.
func EncodeRequestHeader(h RequestHeader) []byte {
	buf := make([]byte, RequestHeaderSize)
	buf[0] = byte(h.Type)
	codec.Wire.PutUint32(buf[1:], h.PayloadLength)
	return buf
}

// DecodeRequestHeader parses exactly RequestHeaderSize bytes.
func DecodeRequestHeader(buf []byte) (RequestHeader, error) {
	if len(buf) != RequestHeaderSize {
		return RequestHeader{}, fmt.Errorf("binaryproto: request header must be %d bytes, got %d", RequestHeaderSize, len(buf))
	}
	return RequestHeader{
		Type:          CommandType(buf[0]),
		PayloadLength: codec.Wire.Uint32(buf[1:]),
	}, nil
}

// ResponseHeader precedes every response's payload.
type ResponseHeader struct {
	Type          CommandType
	Status        StatusCode
	PayloadLength uint32
}

// EncodeResponseHeader writes a ResponseHeader in wire byte order.
func EncodeResponseHeader(h ResponseHeader) []byte {
	buf := make([]byte, ResponseHeaderSize)
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Status)
	codec.Wire.PutUint32(buf[2:], h.PayloadLength)
	return buf
}

// DecodeResponseHeader parses exactly ResponseHeaderSize bytes.
func DecodeResponseHeader(buf []byte) (ResponseHeader, error) {
	if len(buf) != ResponseHeaderSize {
		return ResponseHeader{}, fmt.Errorf("binaryproto: response header must be %d bytes, got %d", ResponseHeaderSize, len(buf))
	}
	return ResponseHeader{
		Type:          CommandType(buf[0]),
		Status:        StatusCode(buf[1]),
		PayloadLength: codec.Wire.Uint32(buf[2:]),
	}, nil
}

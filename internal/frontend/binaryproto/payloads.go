package binaryproto

import (
	"bytes"
	"fmt"

	"github.com/eventlogio/eventlog/internal/codec"
	"github.com/eventlogio/eventlog/internal/model"
)

// ProduceRequest is topic_name (short string) + payload (long string).
type ProduceRequest struct {
	Topic   string
	Payload []byte
}

func (r ProduceRequest) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.WriteShortString(&buf, codec.Wire, r.Topic); err != nil {
		return nil, err
	}
	if err := codec.WriteLongString(&buf, codec.Wire, r.Payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeProduceRequest(data []byte) (ProduceRequest, error) {
	r := bytes.NewReader(data)
	topic, err := codec.ReadShortString(r, codec.Wire)
	if err != nil {
		return ProduceRequest{}, err
	}
	payload, err := codec.ReadLongString(r, codec.Wire)
	if err != nil {
		return ProduceRequest{}, err
	}
	if r.Len() != 0 {
		return ProduceRequest{}, fmt.Errorf("binaryproto: ProduceRequest did not consume entire payload")
	}
	return ProduceRequest{Topic: topic, Payload: payload}, nil
}

// ProduceResponse carries the assigned offset.
type ProduceResponse struct {
	Offset uint64
}

func (r ProduceResponse) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.WriteUint64(&buf, codec.Wire, r.Offset); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeProduceResponse(data []byte) (ProduceResponse, error) {
	r := bytes.NewReader(data)
	offset, err := codec.ReadUint64(r, codec.Wire)
	if err != nil {
		return ProduceResponse{}, err
	}
	return ProduceResponse{Offset: offset}, nil
}

// ConsumeRequest is topic_name + start_offset (u64) + max_messages (u32).
type ConsumeRequest struct {
	Topic       string
	StartOffset uint64
	MaxMessages uint32
}

func (r ConsumeRequest) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.WriteShortString(&buf, codec.Wire, r.Topic); err != nil {
		return nil, err
	}
	if err := codec.WriteUint64(&buf, codec.Wire, r.StartOffset); err != nil {
		return nil, err
	}
	if err := codec.WriteUint32(&buf, codec.Wire, r.MaxMessages); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeConsumeRequest(data []byte) (ConsumeRequest, error) {
	r := bytes.NewReader(data)
	topic, err := codec.ReadShortString(r, codec.Wire)
	if err != nil {
		return ConsumeRequest{}, err
	}
	start, err := codec.ReadUint64(r, codec.Wire)
	if err != nil {
		return ConsumeRequest{}, err
	}
	max, err := codec.ReadUint32(r, codec.Wire)
	if err != nil {
		return ConsumeRequest{}, err
	}
	return ConsumeRequest{Topic: topic, StartOffset: start, MaxMessages: max}, nil
}

// ConsumeResponse is a count (u32) followed by offset + payload per message.
type ConsumeResponse struct {
	Messages []model.Message
}

func (r ConsumeResponse) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.WriteUint32(&buf, codec.Wire, uint32(len(r.Messages))); err != nil {
		return nil, err
	}
	for _, m := range r.Messages {
		if err := codec.WriteUint64(&buf, codec.Wire, m.Offset); err != nil {
			return nil, err
		}
		if err := codec.WriteLongString(&buf, codec.Wire, m.Payload); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func DecodeConsumeResponse(data []byte, topic string) (ConsumeResponse, error) {
	r := bytes.NewReader(data)
	count, err := codec.ReadUint32(r, codec.Wire)
	if err != nil {
		return ConsumeResponse{}, err
	}
	messages := make([]model.Message, 0, count)
	for i := uint32(0); i < count; i++ {
		offset, err := codec.ReadUint64(r, codec.Wire)
		if err != nil {
			return ConsumeResponse{}, err
		}
		payload, err := codec.ReadLongString(r, codec.Wire)
		if err != nil {
			return ConsumeResponse{}, err
		}
		messages = append(messages, model.Message{Offset: offset, Topic: topic, Payload: payload})
	}
	return ConsumeResponse{Messages: messages}, nil
}

// TopicNameRequest carries just a topic name, used for GetTopicOffset and
// CreateTopic.
type TopicNameRequest struct {
	Topic string
}

func (r TopicNameRequest) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.WriteShortString(&buf, codec.Wire, r.Topic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeTopicNameRequest(data []byte) (TopicNameRequest, error) {
	r := bytes.NewReader(data)
	topic, err := codec.ReadShortString(r, codec.Wire)
	if err != nil {
		return TopicNameRequest{}, err
	}
	return TopicNameRequest{Topic: topic}, nil
}

// OffsetResponse carries a single u64, used for GetTopicOffset and
// CreateTopic's reported next offset.
type OffsetResponse struct {
	Offset uint64
}

func (r OffsetResponse) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.WriteUint64(&buf, codec.Wire, r.Offset); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeOffsetResponse(data []byte) (OffsetResponse, error) {
	r := bytes.NewReader(data)
	offset, err := codec.ReadUint64(r, codec.Wire)
	if err != nil {
		return OffsetResponse{}, err
	}
	return OffsetResponse{Offset: offset}, nil
}

// ListTopicsResponse is a count (u32) followed by that many short strings.
type ListTopicsResponse struct {
	Topics []string
}

func (r ListTopicsResponse) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.WriteUint32(&buf, codec.Wire, uint32(len(r.Topics))); err != nil {
		return nil, err
	}
	for _, name := range r.Topics {
		if err := codec.WriteShortString(&buf, codec.Wire, name); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func DecodeListTopicsResponse(data []byte) (ListTopicsResponse, error) {
	r := bytes.NewReader(data)
	count, err := codec.ReadUint32(r, codec.Wire)
	if err != nil {
		return ListTopicsResponse{}, err
	}
	names := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := codec.ReadShortString(r, codec.Wire)
		if err != nil {
			return ListTopicsResponse{}, err
		}
		names = append(names, name)
	}
	return ListTopicsResponse{Topics: names}, nil
}

// ErrorResponsePayload carries a human-readable error message.
type ErrorResponsePayload struct {
	Message string
}

func (r ErrorResponsePayload) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.WriteLongString(&buf, codec.Wire, []byte(r.Message)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeErrorResponsePayload(data []byte) (ErrorResponsePayload, error) {
	r := bytes.NewReader(data)
	msg, err := codec.ReadLongString(r, codec.Wire)
	if err != nil {
		return ErrorResponsePayload{}, err
	}
	return ErrorResponsePayload{Message: string(msg)}, nil
}

package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/odvcencio/sessiontap/pkg/browser"
)

const frameHeaderBytes = 4

// ErrFrameTooLarge is returned for frames over the size bound.
var ErrFrameTooLarge = errors.New("frame too large")

// EventStruct converts an outbound event into the struct carried by a
// socket frame. The wire JSON fields are kept and session_id is added.
func EventStruct(sessionID string, event browser.Event) (*structpb.Struct, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode event fields: %w", err)
	}
	fields["session_id"] = sessionID
	return structpb.NewStruct(fields)
}

// WriteFrame writes msg prefixed with its 4-byte big-endian length.
func WriteFrame(w io.Writer, msg proto.Message) error {
	body, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > maxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	buf := make([]byte, frameHeaderBytes+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[frameHeaderBytes:], body)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed struct frame.
func ReadFrame(r io.Reader) (*structpb.Struct, error) {
	var header [frameHeaderBytes]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	msg := &structpb.Struct{}
	if err := proto.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return msg, nil
}

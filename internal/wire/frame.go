// Package wire implements the framed TCP protocol spoken between schedulers,
// executors and clients.
//
// Every frame is a 1-byte message type, a 4-byte big-endian payload length,
// and the payload. Control payloads are JSON; chunk frames carry raw segment
// bytes. Request and acknowledgement types come in adjacent pairs, and any
// request may be answered with MsgError carrying an encoded engine error.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Message types. Acks follow their requests so handlers can answer with
// typ+1.
const (
	MsgError byte = 0x00

	MsgRegister      byte = 0x01
	MsgRegisterAck   byte = 0x02
	MsgHeartbeat     byte = 0x03
	MsgHeartbeatAck  byte = 0x04
	MsgPoll          byte = 0x05
	MsgPollAck       byte = 0x06
	MsgTaskStatus    byte = 0x07
	MsgTaskStatusAck byte = 0x08

	MsgSubmit       byte = 0x11
	MsgSubmitAck    byte = 0x12
	MsgJobStatus    byte = 0x13
	MsgJobStatusAck byte = 0x14
	MsgJobResult    byte = 0x15
	MsgJobResultAck byte = 0x16
	MsgCancel       byte = 0x17
	MsgCancelAck    byte = 0x18

	MsgFetch       byte = 0x21
	MsgFetchHeader byte = 0x22
	MsgChunk       byte = 0x23
	MsgFetchEnd    byte = 0x24
)

// DefaultMaxFrame bounds a single frame's payload.
const DefaultMaxFrame = 64 << 20

// ChunkSize is the payload size used when streaming segment bytes.
const ChunkSize = 63 * 1024

const headerSize = 5

// WriteMessage frames a JSON-encoded body.
func WriteMessage(w io.Writer, typ byte, body interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("unable to marshal %#02x body: %w", typ, err)
		}
	}
	return WriteRaw(w, typ, payload)
}

// WriteRaw frames an already-encoded payload.
func WriteRaw(w io.Writer, typ byte, payload []byte) error {
	var hdr [headerSize]byte
	hdr[0] = typ
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one frame, rejecting payloads above max (DefaultMaxFrame
// when max is 0). io.EOF is returned unaltered only at a frame boundary.
func ReadFrame(r io.Reader, max int) (byte, []byte, error) {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if int(n) > max {
		return 0, nil, fmt.Errorf("frame of %d bytes exceeds limit %d", n, max)
	}
	if n == 0 {
		return hdr[0], nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return hdr[0], payload, nil
}

// DecodeBody unmarshals a JSON frame payload.
func DecodeBody(payload []byte, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, v)
}

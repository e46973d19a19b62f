// Package radio speaks the framed protobuf stream API of a mesh node, over
// TCP or a serial device. It owns the link-level protocol: frame sync,
// config handshake, channel table, and outbound text packets.
package radio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Stream frames are 0x94 0xC3 followed by a 16-bit big-endian payload length.
const (
	frameStart1 = 0x94
	frameStart2 = 0xC3

	// maxFramePayload bounds a frame we will accept. Anything larger is
	// line noise or a desynced stream; we resync instead of allocating.
	maxFramePayload = 512
)

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFramePayload {
		return fmt.Errorf("frame payload %d exceeds %d bytes", len(payload), maxFramePayload)
	}
	buf := make([]byte, 4+len(payload))
	buf[0] = frameStart1
	buf[1] = frameStart2
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// readFrame scans the stream for the next frame boundary and returns its
// payload. Bytes outside a frame (boot logs on serial, partial frames after
// reconnect) are discarded until sync is regained.
func readFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart1 {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart2 {
			continue
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		length := int(binary.BigEndian.Uint16(lenBuf[:]))
		if length > maxFramePayload {
			// Desynced; the "length" was payload bytes. Keep scanning.
			continue
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}

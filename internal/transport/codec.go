package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes bounds inbound frames when the caller does not supply
// its own limit.
const DefaultMaxFrameBytes = 4 << 20

// ErrFrameTooLarge is returned when an inbound frame exceeds the limit. The
// offending message is dropped, never partially decoded.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// WriteMessage writes v as a length-prefixed JSON frame: a 4-byte big-endian
// length followed by the document. The fixed framing keeps the encoded bytes
// identical across peers, which signature verification depends on.
func WriteMessage(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed JSON frame into v, rejecting frames
// larger than maxBytes (DefaultMaxFrameBytes if maxBytes <= 0).
func ReadMessage(r io.Reader, v interface{}, maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("read frame prefix: %w", err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > uint32(maxBytes) {
		return ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// internal/ble/protocol/chunk.go
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
)

// DefaultChunkSize is the payload size of a single characteristic
// write/notify before an MTU exchange (23 byte ATT MTU - 3 byte header).
const DefaultChunkSize = 20

// Terminator marks the end of one framed JSON message.
const Terminator byte = '\n'

// Frame serializes v to compact JSON followed by a single Terminator byte.
// HTML characters are not escaped so the wire text matches what a
// JavaScript peer would produce with JSON.stringify.
func Frame(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encode already appends '\n', which doubles as our terminator.
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Chunks splits b into consecutive slices of at most size bytes. The last
// chunk may be shorter. Splitting is done on the encoded bytes, so a
// multi-byte UTF-8 sequence may straddle two chunks; the receiver
// reassembles bytes before decoding. The sequence may be ranged over
// any number of times. A size <= 0 yields nothing.
func Chunks(b []byte, size int) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		if size <= 0 {
			return
		}
		for off := 0; off < len(b); off += size {
			end := min(off+size, len(b))
			if !yield(b[off:end:end]) {
				return
			}
		}
	}
}

// Fragment frames v and returns its chunks of at most size bytes.
func Fragment(v any, size int) (iter.Seq[[]byte], error) {
	if size <= 0 {
		return nil, fmt.Errorf("protocol: chunk size must be > 0, got %d", size)
	}
	framed, err := Frame(v)
	if err != nil {
		return nil, err
	}
	return Chunks(framed, size), nil
}

// ChunkCount returns how many chunks a framed message of n bytes needs.
func ChunkCount(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// internal/ble/protocol/reassemble.go
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrMalformedPayload is reported when a terminated buffer is not valid JSON.
var ErrMalformedPayload = errors.New("protocol: received payload is malformed")

// Key identifies one in-flight message stream.
type Key struct {
	Service        string
	Characteristic string
}

func (k Key) String() string {
	return k.Service + "_" + k.Characteristic
}

// Status is the outcome of feeding bytes to a Reassembler.
type Status int

const (
	// Pending means no terminator has been seen yet.
	Pending Status = iota
	// Complete means a message was decoded.
	Complete
	// Failed means the terminated buffer could not be decoded.
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is returned by Reassembler.Feed.
type Result struct {
	Status Status
	Value  any   // set when Status == Complete
	Err    error // set when Status == Failed, wraps ErrMalformedPayload
}

// Reassembler accumulates chunks per Key until the Terminator byte ends a
// message. Keys never share state. Safe for concurrent use.
type Reassembler struct {
	mu      sync.Mutex
	buffers map[Key][]byte
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{buffers: make(map[Key][]byte)}
}

// Feed appends chunk to the buffer for key. When the buffer ends with the
// Terminator it is decoded and dropped, whether decoding succeeded or not.
func (r *Reassembler) Feed(key Key, chunk []byte) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := append(r.buffers[key], chunk...)
	if len(buf) == 0 {
		return Result{Status: Pending}
	}
	if buf[len(buf)-1] != Terminator {
		r.buffers[key] = buf
		return Result{Status: Pending}
	}

	// A terminated buffer is consumed exactly once.
	defer delete(r.buffers, key)

	var v any
	if err := json.Unmarshal(bytes.TrimSuffix(buf, []byte{Terminator}), &v); err != nil {
		return Result{Status: Failed, Err: fmt.Errorf("%w: %s: %v", ErrMalformedPayload, key, err)}
	}
	return Result{Status: Complete, Value: v}
}

// Buffered returns the number of bytes held for key.
func (r *Reassembler) Buffered(key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers[key])
}

// Streams returns the number of keys with buffered data.
func (r *Reassembler) Streams() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

// Reset drops any partial data held for key.
func (r *Reassembler) Reset(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, key)
}

// Stream binds key and the completion callbacks into a single append
// function suitable for a characteristic write handler. The returned
// function reports false only when a terminated message failed to decode.
func (r *Reassembler) Stream(key Key, onComplete func(any), onError func(error)) func([]byte) bool {
	return func(chunk []byte) bool {
		res := r.Feed(key, chunk)
		switch res.Status {
		case Complete:
			if onComplete != nil {
				onComplete(res.Value)
			}
		case Failed:
			if onError != nil {
				onError(res.Err)
			}
			return false
		}
		return true
	}
}

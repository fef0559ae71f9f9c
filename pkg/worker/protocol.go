package worker

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"sync"
)

// Task is the unit of work sent to a worker process. Kind names a registered
// executor; Payload is that executor's own gob-encoded request, opaque to
// everything in this package.
type Task struct {
	Kind    string
	Payload []byte
}

// Result is a worker process's response to a Task.
type Result struct {
	Payload []byte
	Err     string
}

// Executor runs one task's payload and returns a response payload. Executors
// are registered by the packages that define task kinds (pkg/table), never by
// this package itself, so pkg/worker stays ignorant of what it is computing.
type Executor func(payload []byte) ([]byte, error)

var (
	executorsMu sync.RWMutex
	executors   = map[string]Executor{}
)

// RegisterExecutor installs fn under kind. Intended for package init().
func RegisterExecutor(kind string, fn Executor) {
	executorsMu.Lock()
	defer executorsMu.Unlock()
	executors[kind] = fn
}

func lookupExecutor(kind string) (Executor, bool) {
	executorsMu.RLock()
	defer executorsMu.RUnlock()
	fn, ok := executors[kind]
	return fn, ok
}

// maxFrameSize bounds a single gob frame to guard against a corrupted length
// prefix turning into an unbounded allocation.
const maxFrameSize = 1 << 30 // 1 GiB

// writeFrame gob-encodes v and writes it as a 4-byte big-endian length prefix
// followed by the encoded bytes.
func writeFrame(w io.Writer, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("worker: encode frame: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("worker: write frame length: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("worker: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed gob frame into v.
func readFrame(r io.Reader, v any) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return fmt.Errorf("worker: frame of %d bytes exceeds %d byte limit", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("worker: read frame body: %w", err)
	}
	return gob.NewDecoder(bytes.NewReader(body)).Decode(v)
}

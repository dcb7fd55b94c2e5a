package stream

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// recorder writes a session's frames to disk as numbered JPEG files plus a
// frames.jsonl index of their metadata.
type recorder struct {
	dir string

	mu    sync.Mutex
	index *os.File
	enc   *json.Encoder
	count int
}

type recordEntry struct {
	Seq      uint64        `json:"seq"`
	File     string        `json:"file"`
	At       time.Time     `json:"at"`
	Metadata FrameMetadata `json:"metadata"`
}

func newRecorder(root, sessionID string) (*recorder, error) {
	dir := filepath.Join(root, filepath.Base(sessionID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "frames.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open recording index: %w", err)
	}
	return &recorder{dir: dir, index: f, enc: json.NewEncoder(f)}, nil
}

func (r *recorder) write(seq uint64, f Frame, at time.Time) error {
	name := fmt.Sprintf("%08d.jpg", seq)
	if err := os.WriteFile(filepath.Join(r.dir, name), f.Data, 0o600); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index == nil {
		return os.ErrClosed
	}
	r.count++
	return r.enc.Encode(recordEntry{Seq: seq, File: name, At: at.UTC(), Metadata: f.Metadata})
}

func (r *recorder) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index == nil {
		return nil
	}
	err := r.index.Close()
	r.index = nil
	return err
}

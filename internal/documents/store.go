// Package documents stores uploaded files and hands out opaque references.
package documents

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// ErrTooLarge is returned when an upload exceeds the configured limit.
var ErrTooLarge = errors.New("document too large")

// ErrUnknownRef is returned by Detach for a reference the store never issued.
var ErrUnknownRef = errors.New("unknown document ref")

// Upload is one file handed to the store.
type Upload struct {
	TransactionID string
	FileName      string
	ContentType   string
	Body          io.Reader
}

// Store persists document bytes. Refs are opaque to callers.
type Store interface {
	Put(ctx context.Context, upload Upload) (string, error)
	// Detach marks a document as no longer referenced by any message or
	// request. The bytes are kept; retention is the store's concern.
	Detach(ctx context.Context, ref string) error
}

// Key derives the content-addressed object key for data in a transaction.
// Identical uploads to the same transaction share one object.
func Key(transactionID string, data []byte) string {
	sum := blake2b.Sum256(data)
	return path.Join("tx", transactionID, hex.EncodeToString(sum[:]))
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}

func cleanName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// MemoryStore keeps documents in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	limit    int64
	objects  map[string][]byte
	attached map[string]bool
}

// NewMemoryStore creates an empty store with an upload limit in bytes.
func NewMemoryStore(limit int64) *MemoryStore {
	return &MemoryStore{
		limit:    limit,
		objects:  make(map[string][]byte),
		attached: make(map[string]bool),
	}
}

func (s *MemoryStore) Put(_ context.Context, upload Upload) (string, error) {
	data, err := readLimited(upload.Body, s.limit)
	if err != nil {
		return "", err
	}
	key := Key(upload.TransactionID, data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.attached[key] = true
	return key, nil
}

func (s *MemoryStore) Detach(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[ref]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}
	s.attached[ref] = false
	return nil
}

// Attached reports whether ref is still referenced.
func (s *MemoryStore) Attached(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached[ref]
}

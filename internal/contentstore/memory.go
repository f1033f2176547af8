package contentstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"
)

// Memory is an in-process Backend for tests and local development
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

// Add stores r under the hex SHA-256 of its content
func (m *Memory) Add(ctx context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	ref := "mem-" + hex.EncodeToString(sum[:])
	m.mu.Lock()
	m.docs[ref] = data
	m.mu.Unlock()
	return ref, nil
}

// Cat returns the document at ref
func (m *Memory) Cat(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.docs[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Len returns the number of stored documents
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

package devicestorage

import (
	"context"
	"sync"
)

type InMemoryBlob struct {
	data     []byte
	readErr  error
	writeErr error
	writes   int
	mu       sync.RWMutex
}

func NewInMemoryBlob(initial []byte) *InMemoryBlob {
	return &InMemoryBlob{data: clone(initial)}
}

func (b *InMemoryBlob) ReadAll(ctx context.Context) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	return clone(b.data), nil
}

func (b *InMemoryBlob) WriteAll(ctx context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	b.data = clone(data)
	b.writes++
	return nil
}

// FailReads makes every following ReadAll return err. A nil err restores reads.
func (b *InMemoryBlob) FailReads(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readErr = err
}

// FailWrites makes every following WriteAll return err. A nil err restores writes.
func (b *InMemoryBlob) FailWrites(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeErr = err
}

// Writes reports how many WriteAll calls succeeded.
func (b *InMemoryBlob) Writes() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.writes
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

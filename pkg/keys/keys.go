package keys

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrKeyNotFound means the referenced key does not exist in the manager
var ErrKeyNotFound = errors.New("encryption key not found")

// Manager creates and copies volume encryption keys. Keys are copied, never
// shared: a key's lifetime is tied 1:1 to its owning volume, so a clone must
// get an independent key identity.
type Manager interface {
	// CreateKey generates a fresh key and returns its identity
	CreateKey(ctx context.Context, projectID string) (string, error)

	// CopyKey duplicates an existing key under a new identity
	CopyKey(ctx context.Context, projectID, keyID string) (string, error)

	// DeleteKey destroys a key. Called when the owning volume is destroyed.
	DeleteKey(ctx context.Context, keyID string) error
}

// MemoryManager is an in-process key manager. Production deployments plug in
// an external KMS behind the same interface.
type MemoryManager struct {
	mu   sync.Mutex
	keys map[string][]byte
}

// NewMemoryManager creates an empty in-memory key manager
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		keys: make(map[string][]byte),
	}
}

// CreateKey generates a random 256-bit key
func (m *MemoryManager) CreateKey(ctx context.Context, projectID string) (string, error) {
	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}

	id := uuid.New().String()

	m.mu.Lock()
	m.keys[id] = material
	m.mu.Unlock()

	return id, nil
}

// CopyKey duplicates the key material under a new identity
func (m *MemoryManager) CopyKey(ctx context.Context, projectID, keyID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	material, ok := m.keys[keyID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	duplicate := make([]byte, len(material))
	copy(duplicate, material)

	id := uuid.New().String()
	m.keys[id] = duplicate
	return id, nil
}

// DeleteKey destroys a key. Deleting a missing key is not an error.
func (m *MemoryManager) DeleteKey(ctx context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.keys, keyID)
	return nil
}

package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/models"
)

// MemoryBackend keeps payloads in memory. It is used by tests and dry runs.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
	latest  map[string]models.RemoteVersion
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: map[string][]byte{}, latest: map[string]models.RemoteVersion{}}
}

func (m *MemoryBackend) Upload(_ context.Context, obj Object) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := objectKey("", obj.EntryID, obj.Version)
	m.objects[id] = common.CloneBytes(obj.Payload)
	if cur, ok := m.latest[obj.EntryID]; !ok || obj.Version > cur.Version {
		m.latest[obj.EntryID] = models.RemoteVersion{Version: obj.Version, RemoteID: id}
	}
	return id, nil
}

func (m *MemoryBackend) Download(_ context.Context, remoteID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.objects[remoteID]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", remoteID, common.ErrorNotFound)
	}
	return common.CloneBytes(b), nil
}

func (m *MemoryBackend) ListRemoteVersions(context.Context) (map[string]models.RemoteVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]models.RemoteVersion, len(m.latest))
	for k, v := range m.latest {
		out[k] = v
	}
	return out, nil
}

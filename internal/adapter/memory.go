package adapter

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/strata-storage/strata/pkg/errors"
	"github.com/strata-storage/strata/pkg/types"
)

// Memory is an in-process adapter. It backs tests and scratch tiers that
// do not need durability.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data     []byte
	modified time.Time
}

// NewMemory creates an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memoryObject)}
}

func (m *Memory) Put(ctx context.Context, objectID string, data []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, canceled(err)
	}
	stored := make([]byte, len(data))
	copy(stored, data)

	m.mu.Lock()
	m.objects[objectID] = memoryObject{data: stored, modified: time.Now()}
	m.mu.Unlock()
	return int64(len(stored)), nil
}

func (m *Memory) Get(ctx context.Context, objectID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, canceled(err)
	}
	m.mu.RLock()
	obj, ok := m.objects[objectID]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(objectID)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, objectID string) error {
	if err := ctx.Err(); err != nil {
		return canceled(err)
	}
	m.mu.Lock()
	delete(m.objects, objectID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Stat(ctx context.Context, objectID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, canceled(err)
	}
	m.mu.RLock()
	obj, ok := m.objects[objectID]
	m.mu.RUnlock()
	if !ok {
		return 0, notFound(objectID)
	}
	return int64(len(obj.data)), nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, canceled(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]types.ObjectInfo, 0, len(m.objects))
	for id, obj := range m.objects {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		infos = append(infos, types.ObjectInfo{
			Key:          id,
			Size:         int64(len(obj.data)),
			LastModified: obj.modified,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func notFound(objectID string) error {
	return errors.NewError(errors.ErrCodeObjectNotFound, "object does not exist").
		WithComponent("adapter").WithObject(objectID)
}

func canceled(cause error) error {
	code := errors.ErrCodeOperationCanceled
	if cause == context.DeadlineExceeded {
		code = errors.ErrCodeAdapterTimeout
	}
	return errors.NewError(code, "operation aborted by context").
		WithComponent("adapter").WithCause(cause)
}

package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xkilldash9x/hypeauto/api/schemas"
)

// ErrNotFound is returned when no task has the requested id.
var ErrNotFound = errors.New("task not found")

// Store persists task state. Implementations must be safe for concurrent use.
type Store interface {
	Save(ctx context.Context, task schemas.Task) error
	Get(ctx context.Context, id string) (schemas.Task, error)
	// Purge deletes finished tasks last updated before cutoff and reports how many went.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryStore keeps tasks in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]schemas.Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]schemas.Task)}
}

func (s *MemoryStore) Save(_ context.Context, task schemas.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = task
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (schemas.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return schemas.Task{}, ErrNotFound
	}
	return task, nil
}

func (s *MemoryStore) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, task := range s.tasks {
		if task.Finished() && task.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored tasks.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

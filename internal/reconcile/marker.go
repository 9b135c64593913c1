package reconcile

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// MarkerStore хранит метку недавней оплаты, чтобы активация переживала
// переход между страницами.
type MarkerStore interface {
	SetCheckoutAt(t time.Time) error
	CheckoutAt() (time.Time, bool, error)
	Clear() error
}

// MemoryMarkerStore хранит метку в памяти процесса.
type MemoryMarkerStore struct {
	mu  sync.Mutex
	at  time.Time
	set bool
}

// NewMemoryMarkerStore создаёт пустое хранилище метки.
func NewMemoryMarkerStore() *MemoryMarkerStore {
	return &MemoryMarkerStore{}
}

func (s *MemoryMarkerStore) SetCheckoutAt(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.at = t
	s.set = true
	return nil
}

func (s *MemoryMarkerStore) CheckoutAt() (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.at, s.set, nil
}

func (s *MemoryMarkerStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.at = time.Time{}
	s.set = false
	return nil
}

// FileMarkerStore хранит метку в файле, переживает перезапуск клиента.
type FileMarkerStore struct {
	mu   sync.Mutex
	path string
}

// NewFileMarkerStore создаёт хранилище метки в указанном файле.
func NewFileMarkerStore(path string) *FileMarkerStore {
	return &FileMarkerStore{path: path}
}

func (s *FileMarkerStore) SetCheckoutAt(t time.Time) error {
	const op = "reconcile.FileMarkerStore.SetCheckoutAt"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.path, []byte(t.UTC().Format(time.RFC3339)), 0o600); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *FileMarkerStore) CheckoutAt() (time.Time, bool, error) {
	const op = "reconcile.FileMarkerStore.CheckoutAt"
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("%s: %w", op, err)
	}
	t, err := time.Parse(time.RFC3339, string(data))
	if err != nil {
		// Повреждённая метка равносильна её отсутствию.
		return time.Time{}, false, nil
	}
	return t, true, nil
}

func (s *FileMarkerStore) Clear() error {
	const op = "reconcile.FileMarkerStore.Clear"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

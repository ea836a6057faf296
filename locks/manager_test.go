package locks

import (
	"evcore/models"
	"fmt"
	"sync"
	"testing"
	"time"
)

// memoryLockStorage mimics the conditional-insert semantics of the lock
// collection with its unique key index.
type memoryLockStorage struct {
	mu    sync.Mutex
	locks map[string]*models.Lock
	fail  bool
}

func newMemoryLockStorage() *memoryLockStorage {
	return &memoryLockStorage{locks: make(map[string]*models.Lock)}
}

func (s *memoryLockStorage) TryInsertLock(lock *models.Lock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return false, fmt.Errorf("storage unavailable")
	}
	if _, ok := s.locks[lock.Key]; ok {
		return false, nil
	}
	stored := *lock
	s.locks[lock.Key] = &stored
	return true, nil
}

func (s *memoryLockStorage) DeleteExpiredLock(key string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("storage unavailable")
	}
	if lock, ok := s.locks[key]; ok && lock.IsExpired(now) {
		delete(s.locks, key)
	}
	return nil
}

func (s *memoryLockStorage) DeleteLock(key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[key]; ok && lock.Owner == owner {
		delete(s.locks, key)
	}
	return nil
}

func (s *memoryLockStorage) DeleteOwnedLocks(owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, lock := range s.locks {
		if lock.Owner == owner {
			delete(s.locks, key)
		}
	}
	return nil
}

func TestAcquireAndRelease(t *testing.T) {
	storage := newMemoryLockStorage()
	manager := NewManager(storage, "host-a", time.Minute)

	lock := models.NewLock("main", "connector", "cp1:1", "start-transaction")
	acquired, err := manager.Acquire(lock)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired {
		t.Fatalf("expected lock to be acquired")
	}
	if lock.Owner != "host-a" {
		t.Fatalf("owner = %s, want host-a", lock.Owner)
	}

	// the same key cannot be taken twice while held
	second := models.NewLock("main", "connector", "cp1:1", "start-transaction")
	acquired, err = manager.Acquire(second)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if acquired {
		t.Fatalf("expected second acquisition to fail")
	}

	if err = manager.Release(lock); err != nil {
		t.Fatalf("release: %v", err)
	}
	acquired, err = manager.Acquire(second)
	if err != nil || !acquired {
		t.Fatalf("acquire after release: acquired=%v err=%v", acquired, err)
	}
}

func TestDistinctKeysDoNotContend(t *testing.T) {
	storage := newMemoryLockStorage()
	manager := NewManager(storage, "host-a", time.Minute)

	first := models.NewLock("main", "connector", "cp1:1", "start-transaction")
	other := models.NewLock("other", "connector", "cp1:1", "start-transaction")
	if acquired, _ := manager.Acquire(first); !acquired {
		t.Fatalf("first lock not acquired")
	}
	if acquired, _ := manager.Acquire(other); !acquired {
		t.Fatalf("lock of another tenant should not contend")
	}
}

func TestExpiredLockIsReclaimed(t *testing.T) {
	storage := newMemoryLockStorage()
	expired := models.NewLock("main", "migration", "task", "1.0")
	expired.Owner = "host-b"
	expired.ExpireAt = time.Now().Add(-time.Second)
	storage.locks[expired.Key] = expired

	manager := NewManager(storage, "host-a", time.Minute)
	lock := models.NewLock("main", "migration", "task", "1.0")
	acquired, err := manager.Acquire(lock)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired {
		t.Fatalf("expected lapsed lease to be reclaimed")
	}
	if storage.locks[lock.Key].Owner != "host-a" {
		t.Fatalf("lock not re-owned after reclaim")
	}
}

func TestLiveLockIsNotReclaimed(t *testing.T) {
	storage := newMemoryLockStorage()
	live := models.NewLock("main", "migration", "task", "1.0")
	live.Owner = "host-b"
	live.ExpireAt = time.Now().Add(time.Minute)
	storage.locks[live.Key] = live

	manager := NewManager(storage, "host-a", time.Minute)
	acquired, err := manager.Acquire(models.NewLock("main", "migration", "task", "1.0"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acquired {
		t.Fatalf("live lease of another host was stolen")
	}
}

func TestStoreFailureMeansNotAcquired(t *testing.T) {
	storage := newMemoryLockStorage()
	storage.fail = true
	manager := NewManager(storage, "host-a", time.Minute)

	acquired, err := manager.Acquire(models.NewLock("main", "connector", "cp1:1", "start-transaction"))
	if err == nil {
		t.Fatalf("expected an error from failing storage")
	}
	if acquired {
		t.Fatalf("storage failure must fail closed")
	}
}

func TestReleaseForeignLockIsIgnored(t *testing.T) {
	storage := newMemoryLockStorage()
	foreign := models.NewLock("main", "connector", "cp1:1", "start-transaction")
	foreign.Owner = "host-b"
	foreign.ExpireAt = time.Now().Add(time.Minute)
	storage.locks[foreign.Key] = foreign

	manager := NewManager(storage, "host-a", time.Minute)
	if err := manager.Release(models.NewLock("main", "connector", "cp1:1", "start-transaction")); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok := storage.locks[foreign.Key]; !ok {
		t.Fatalf("lock of another owner was deleted")
	}
}

func TestCleanupOwnedLocks(t *testing.T) {
	storage := newMemoryLockStorage()
	manager := NewManager(storage, "host-a", time.Minute)

	mine := models.NewLock("main", "connector", "cp1:1", "start-transaction")
	if acquired, _ := manager.Acquire(mine); !acquired {
		t.Fatalf("setup acquire failed")
	}
	other := models.NewLock("main", "connector", "cp2:1", "start-transaction")
	other.Owner = "host-b"
	other.ExpireAt = time.Now().Add(time.Minute)
	storage.locks[other.Key] = other

	if err := manager.CleanupOwnedLocks(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, ok := storage.locks[mine.Key]; ok {
		t.Fatalf("own lock survived cleanup")
	}
	if _, ok := storage.locks[other.Key]; !ok {
		t.Fatalf("foreign lock removed by cleanup")
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	storage := newMemoryLockStorage()
	winners := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(host int) {
			defer wg.Done()
			manager := NewManager(storage, fmt.Sprintf("host-%d", host), time.Minute)
			lock := models.NewLock("main", "connector", "cp1:1", "start-transaction")
			acquired, err := manager.Acquire(lock)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if acquired {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

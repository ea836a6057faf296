package migration

import (
	"evcore/locks"
	"evcore/models"
	"fmt"
	"sync"
	"testing"
	"time"
)

type memoryMigrationStorage struct {
	mu      sync.Mutex
	records []models.MigrationRecord
}

func (s *memoryMigrationStorage) GetMigrationRecords() ([]models.MigrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]models.MigrationRecord, len(s.records))
	copy(records, s.records)
	return records, nil
}

func (s *memoryMigrationStorage) AddMigrationRecord(record *models.MigrationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *record)
	return nil
}

// reuses the lock semantics the manager expects from its collection
type memoryLockStorage struct {
	mu    sync.Mutex
	locks map[string]*models.Lock
}

func newMemoryLockStorage() *memoryLockStorage {
	return &memoryLockStorage{locks: make(map[string]*models.Lock)}
}

func (s *memoryLockStorage) TryInsertLock(lock *models.Lock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

type nopLogger struct{}

func (l *nopLogger) FeatureEvent(string, string, string) {}
func (l *nopLogger) RawDataEvent(string, string)         {}
func (l *nopLogger) Debug(string)                        {}
func (l *nopLogger) Warn(string)                         {}
func (l *nopLogger) Error(string, error)                 {}

type countingTask struct {
	mu      sync.Mutex
	name    string
	version string
	async   bool
	fail    bool
	runs    int
}

func (t *countingTask) Name() string         { return t.name }
func (t *countingTask) Version() string      { return t.version }
func (t *countingTask) IsAsynchronous() bool { return t.async }

func (t *countingTask) Migrate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs++
	if t.fail {
		return fmt.Errorf("task failed")
	}
	return nil
}

func (t *countingTask) runCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

func newExecutor(storage *memoryMigrationStorage, lockStorage *memoryLockStorage, host string) *Executor {
	manager := locks.NewManager(lockStorage, host, time.Minute)
	return NewExecutor(storage, manager, &nopLogger{})
}

func TestRunExecutesPendingTaskOnce(t *testing.T) {
	storage := &memoryMigrationStorage{}
	lockStorage := newMemoryLockStorage()
	task := &countingTask{name: "Backfill", version: "1.0"}

	executor := newExecutor(storage, lockStorage, "host-a")
	executor.Register(task)
	if err := executor.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if task.runCount() != 1 {
		t.Fatalf("runs = %d, want 1", task.runCount())
	}

	// a second start skips the recorded task
	again := newExecutor(storage, lockStorage, "host-a")
	again.Register(task)
	if err := again.Run(); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if task.runCount() != 1 {
		t.Fatalf("recorded task executed again, runs = %d", task.runCount())
	}
}

func TestVersionChangeRunsTaskAgain(t *testing.T) {
	storage := &memoryMigrationStorage{}
	lockStorage := newMemoryLockStorage()

	v1 := &countingTask{name: "Backfill", version: "1.0"}
	executor := newExecutor(storage, lockStorage, "host-a")
	executor.Register(v1)
	if err := executor.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	v2 := &countingTask{name: "Backfill", version: "2.0"}
	next := newExecutor(storage, lockStorage, "host-a")
	next.Register(v2)
	if err := next.Run(); err != nil {
		t.Fatalf("run v2: %v", err)
	}
	if v2.runCount() != 1 {
		t.Fatalf("new version not executed")
	}
	records, _ := storage.GetMigrationRecords()
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
}

func TestFailedTaskLeavesNoRecord(t *testing.T) {
	storage := &memoryMigrationStorage{}
	lockStorage := newMemoryLockStorage()
	task := &countingTask{name: "Backfill", version: "1.0", fail: true}

	executor := newExecutor(storage, lockStorage, "host-a")
	executor.Register(task)
	if err := executor.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	records, _ := storage.GetMigrationRecords()
	if len(records) != 0 {
		t.Fatalf("failed task wrote a record")
	}

	// the retry on next start succeeds and records
	task.fail = false
	retry := newExecutor(storage, lockStorage, "host-b")
	retry.Register(task)
	if err := retry.Run(); err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if task.runCount() != 2 {
		t.Fatalf("runs = %d, want 2", task.runCount())
	}
	records, _ = storage.GetMigrationRecords()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
}

func TestAsynchronousTaskRunsAfterDelay(t *testing.T) {
	storage := &memoryMigrationStorage{}
	lockStorage := newMemoryLockStorage()
	task := &countingTask{name: "Backfill", version: "1.0", async: true}

	executor := newExecutor(storage, lockStorage, "host-a")
	executor.SetAsyncDelay(10 * time.Millisecond)
	executor.Register(task)
	if err := executor.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if task.runCount() != 0 {
		t.Fatalf("asynchronous task ran inline")
	}

	deadline := time.Now().Add(2 * time.Second)
	for task.runCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("asynchronous task never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	deadline = time.Now().Add(2 * time.Second)
	for {
		records, _ := storage.GetMigrationRecords()
		if len(records) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("asynchronous task left no record")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConcurrentExecutorsRunTaskOnce(t *testing.T) {
	storage := &memoryMigrationStorage{}
	lockStorage := newMemoryLockStorage()
	task := &countingTask{name: "Backfill", version: "1.0"}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(host int) {
			defer wg.Done()
			executor := newExecutor(storage, lockStorage, fmt.Sprintf("host-%d", host))
			executor.Register(task)
			if err := executor.Run(); err != nil {
				t.Errorf("run: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if task.runCount() != 1 {
		t.Fatalf("runs = %d, want exactly 1", task.runCount())
	}
	records, _ := storage.GetMigrationRecords()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
}

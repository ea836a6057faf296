package migration

import (
	"evcore/internal"
	"evcore/locks"
	"evcore/metrics/counters"
	"evcore/models"
	"fmt"
	"time"
)

// Task is one named, versioned, idempotent data transformation. Changing the
// declared version makes the task run again under the same name; that is the
// supported way to re-run a corrected migration. Partial effects of a failed
// run are the task author's concern: Migrate must be safe to retry.
type Task interface {
	Name() string
	Version() string
	IsAsynchronous() bool
	Migrate() error
}

// Executor runs every registered task exactly once per installation, however
// many cooperating processes start concurrently. Each attempt is guarded by a
// lock on the task's (name, version); losing the lock means another process
// runs it, so the task is simply skipped.
type Executor struct {
	storage    internal.MigrationStorage
	locks      *locks.Manager
	logger     internal.LogHandler
	tasks      []Task
	asyncDelay time.Duration
}

func NewExecutor(storage internal.MigrationStorage, lockManager *locks.Manager, logger internal.LogHandler) *Executor {
	return &Executor{
		storage:    storage,
		locks:      lockManager,
		logger:     logger,
		asyncDelay: 5 * time.Second,
	}
}

func (e *Executor) SetAsyncDelay(delay time.Duration) {
	e.asyncDelay = delay
}

// Register appends tasks to the ordered registry.
func (e *Executor) Register(tasks ...Task) {
	e.tasks = append(e.tasks, tasks...)
}

// Run executes all pending synchronous tasks before returning and schedules
// asynchronous ones after a short delay so long backfills do not hold up
// request serving. A failing task leaves no completion record and is retried
// on the next process start; startup itself continues.
func (e *Executor) Run() error {
	records, err := e.storage.GetMigrationRecords()
	if err != nil {
		return fmt.Errorf("load migration records: %w", err)
	}
	done := make(map[string]bool, len(records))
	for _, record := range records {
		done[taskKey(record.Name, record.Version)] = true
	}

	for _, task := range e.tasks {
		if done[taskKey(task.Name(), task.Version())] {
			continue
		}
		e.executeTask(task)
	}
	return nil
}

func (e *Executor) executeTask(task Task) {
	lock := models.NewLock("", "migration", task.Name(), task.Version())
	acquired, err := e.locks.Acquire(lock)
	if err != nil {
		e.logger.Error(fmt.Sprintf("migration %s lock", task.Name()), err)
		return
	}
	if !acquired {
		// another process is already running it, or just finished
		e.logger.Debug(fmt.Sprintf("migration %s v%s claimed by another process", task.Name(), task.Version()))
		return
	}

	// the pending set was computed before the lock; a process that won the
	// lock earlier may have completed the task in the meantime
	if e.isDone(task) {
		if err := e.locks.Release(lock); err != nil {
			e.logger.Error(fmt.Sprintf("migration %s unlock", task.Name()), err)
		}
		return
	}

	if task.IsAsynchronous() {
		// the lock covers only this scheduling bracket, not the task's run;
		// the completion record is written when the task finishes
		e.logger.Debug(fmt.Sprintf("scheduled migration %s v%s", task.Name(), task.Version()))
		time.AfterFunc(e.asyncDelay, func() {
			e.runTask(task)
		})
	} else {
		e.runTask(task)
	}

	if err := e.locks.Release(lock); err != nil {
		e.logger.Error(fmt.Sprintf("migration %s unlock", task.Name()), err)
	}
}

// isDone reports whether the task's (name, version) completion record exists.
// A read failure counts as done: running a migration twice because the record
// could not be read is worse than deferring it to the next start.
func (e *Executor) isDone(task Task) bool {
	records, err := e.storage.GetMigrationRecords()
	if err != nil {
		e.logger.Error("load migration records", err)
		return true
	}
	key := taskKey(task.Name(), task.Version())
	for _, record := range records {
		if taskKey(record.Name, record.Version) == key {
			return true
		}
	}
	return false
}

func (e *Executor) runTask(task Task) {
	started := time.Now()
	e.logger.Debug(fmt.Sprintf("running migration %s v%s", task.Name(), task.Version()))
	if err := task.Migrate(); err != nil {
		e.logger.Error(fmt.Sprintf("migration %s v%s failed", task.Name(), task.Version()), err)
		counters.CountMigration(false)
		return
	}
	counters.CountMigration(true)
	record := &models.MigrationRecord{
		Name:       task.Name(),
		Version:    task.Version(),
		ExecutedAt: time.Now(),
		DurationMs: time.Since(started).Milliseconds(),
	}
	if err := e.storage.AddMigrationRecord(record); err != nil {
		e.logger.Error(fmt.Sprintf("migration %s v%s record", task.Name(), task.Version()), err)
		return
	}
	e.logger.Debug(fmt.Sprintf("migration %s v%s completed in %dms", task.Name(), task.Version(), record.DurationMs))
}

func taskKey(name, version string) string {
	return name + "@" + version
}

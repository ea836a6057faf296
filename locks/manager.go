package locks

import (
	"evcore/internal"
	"evcore/models"
	"fmt"
	"time"
)

// Manager hands out leased exclusive locks shared by every process of the
// installation. Acquisition is a single conditional insert against the
// backing store, never a read-then-write; failure to acquire means someone
// else holds the key and the caller must skip the protected action.
type Manager struct {
	storage internal.LockStorage
	logger  internal.LogHandler
	owner   string
	ttl     time.Duration
}

func NewManager(storage internal.LockStorage, owner string, ttl time.Duration) *Manager {
	return &Manager{
		storage: storage,
		owner:   owner,
		ttl:     ttl,
	}
}

func (m *Manager) SetLogger(logger internal.LogHandler) {
	m.logger = logger
}

// Owner returns the host identity lock records are stamped with.
func (m *Manager) Owner() string {
	return m.owner
}

// Acquire attempts to take the lock without blocking. A store failure is
// reported as not acquired; proceeding unprotected is never an option.
func (m *Manager) Acquire(lock *models.Lock) (bool, error) {
	now := time.Now()
	// a lapsed lease must not block the key forever; remove it before the
	// conditional insert
	if err := m.storage.DeleteExpiredLock(lock.Key, now); err != nil {
		return false, fmt.Errorf("cleanup expired lock %s: %w", lock.Key, err)
	}
	lock.Owner = m.owner
	lock.Timestamp = now
	lock.ExpireAt = now.Add(m.ttl)
	acquired, err := m.storage.TryInsertLock(lock)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", lock.Key, err)
	}
	if !acquired && m.logger != nil {
		m.logger.Debug(fmt.Sprintf("lock %s is held elsewhere", lock.Key))
	}
	return acquired, nil
}

// Release deletes the lock record; releasing a lock that is already gone is
// not an error.
func (m *Manager) Release(lock *models.Lock) error {
	if err := m.storage.DeleteLock(lock.Key, m.owner); err != nil {
		return fmt.Errorf("release lock %s: %w", lock.Key, err)
	}
	return nil
}

// CleanupOwnedLocks removes every lock stamped with this host identity. It
// runs at process startup: expiry alone cannot tell a live lease from one
// orphaned by a crash of a previous instance on the same host.
func (m *Manager) CleanupOwnedLocks() error {
	if err := m.storage.DeleteOwnedLocks(m.owner); err != nil {
		return fmt.Errorf("cleanup locks of %s: %w", m.owner, err)
	}
	if m.logger != nil {
		m.logger.Debug(fmt.Sprintf("cleaned up locks owned by %s", m.owner))
	}
	return nil
}

package internal

import (
	"evcore/models"
	"time"
)

// Database is the tenant-scoped persistence surface of the core. Authoritative
// state lives here; in-memory registries are caches that must be re-read under
// a lock for any read-modify-write sequence spanning storage calls.
type Database interface {
	WriteLogMessage(tenant string, data Data) error

	GetChargePoints(tenant string) ([]models.ChargePoint, error)
	GetChargePoint(tenant, id string) (*models.ChargePoint, error)
	AddChargePoint(tenant string, chargePoint *models.ChargePoint) error
	UpdateChargePoint(tenant string, chargePoint *models.ChargePoint) error

	GetConnectors(tenant string) ([]*models.Connector, error)
	GetConnector(tenant string, id int, chargePointId string) (*models.Connector, error)
	AddConnector(tenant string, connector *models.Connector) error
	UpdateConnector(tenant string, connector *models.Connector) error

	GetUserTag(tenant, id string) (*models.UserTag, error)
	AddUserTag(tenant string, userTag *models.UserTag) error
	UpdateTagLastSeen(tenant string, userTag *models.UserTag) error
	GetUserTags(tenant string) ([]*models.UserTag, error)
	UpdateUserTag(tenant string, userTag *models.UserTag) error

	GetTransaction(tenant string, id int) (*models.Transaction, error)
	GetLastTransaction(tenant string) (*models.Transaction, error)
	GetUnfinishedTransactions(tenant string) ([]*models.Transaction, error)
	AddTransaction(tenant string, transaction *models.Transaction) error
	UpdateTransaction(tenant string, transaction *models.Transaction) error

	GetTariff(tenant, chargePointId string) (*models.Tariff, error)

	GetSubscriptions() ([]models.UserSubscription, error)
	AddSubscription(subscription *models.UserSubscription) error
	DeleteSubscription(subscription *models.UserSubscription) error
}

type Data interface {
	DataType() string
}

// LockStorage is the atomic conditional-insert surface the lock manager needs.
type LockStorage interface {
	// TryInsertLock inserts the record unless a record with the same key
	// exists; (false, nil) means the key is held by someone else.
	TryInsertLock(lock *models.Lock) (bool, error)
	DeleteExpiredLock(key string, now time.Time) error
	DeleteLock(key, owner string) error
	DeleteOwnedLocks(owner string) error
}

// MigrationStorage records which (name, version) migration tasks have run.
type MigrationStorage interface {
	GetMigrationRecords() ([]models.MigrationRecord, error)
	AddMigrationRecord(record *models.MigrationRecord) error
}

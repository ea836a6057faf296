package models

import (
	"fmt"
	"time"
)

// Lock is a leased mutual-exclusion record shared by all processes of an
// installation. At most one live record may exist per key; the storage layer
// enforces this with a unique index on the key field.
type Lock struct {
	Key        string    `json:"key" bson:"key"`
	Tenant     string    `json:"tenant" bson:"tenant"`
	EntityType string    `json:"entity_type" bson:"entity_type"`
	EntityKey  string    `json:"entity_key" bson:"entity_key"`
	Operation  string    `json:"operation" bson:"operation"`
	Owner      string    `json:"owner" bson:"owner"`
	Timestamp  time.Time `json:"timestamp" bson:"timestamp"`
	ExpireAt   time.Time `json:"expire_at" bson:"expire_at"`
}

func NewLock(tenant, entityType, entityKey, operation string) *Lock {
	return &Lock{
		Key:        fmt.Sprintf("%s~%s~%s~%s", tenant, entityType, entityKey, operation),
		Tenant:     tenant,
		EntityType: entityType,
		EntityKey:  entityKey,
		Operation:  operation,
	}
}

// IsExpired reports whether the lease has run out at the given moment.
func (l *Lock) IsExpired(now time.Time) bool {
	return !l.ExpireAt.After(now)
}

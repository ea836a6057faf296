package migration

import (
	"evcore/internal"
	"evcore/models"
	"fmt"
)

// UserTagSourceTask splits legacy "source:tag" identifiers into the separate
// source and tag fields. Runs synchronously: authorization depends on the
// split fields.
type UserTagSourceTask struct {
	database internal.Database
	tenants  []string
}

func NewUserTagSourceTask(database internal.Database, tenants []string) *UserTagSourceTask {
	return &UserTagSourceTask{database: database, tenants: tenants}
}

func (t *UserTagSourceTask) Name() string {
	return "UserTagSource"
}

func (t *UserTagSourceTask) Version() string {
	return "1.0"
}

func (t *UserTagSourceTask) IsAsynchronous() bool {
	return false
}

func (t *UserTagSourceTask) Migrate() error {
	for _, tenant := range t.tenants {
		userTags, err := t.database.GetUserTags(tenant)
		if err != nil {
			return fmt.Errorf("tenant %s: load user tags: %w", tenant, err)
		}
		for _, userTag := range userTags {
			source, id := models.SplitIdTag(userTag.IdTag)
			if source == "" || userTag.Source != "" {
				continue
			}
			userTag.Source = source
			userTag.IdTag = id
			if err := t.database.UpdateUserTag(tenant, userTag); err != nil {
				return fmt.Errorf("tenant %s: update tag %s: %w", tenant, id, err)
			}
		}
	}
	return nil
}

// TransactionTariffTask stamps the tariff rate onto active transactions
// recorded before pricing was stored per transaction, so rehydrated engines
// accrue cost with the right rate. Potentially large, so it runs
// asynchronously after startup; every write is idempotent.
type TransactionTariffTask struct {
	database internal.Database
	tenants  []string
}

func NewTransactionTariffTask(database internal.Database, tenants []string) *TransactionTariffTask {
	return &TransactionTariffTask{database: database, tenants: tenants}
}

func (t *TransactionTariffTask) Name() string {
	return "TransactionTariff"
}

func (t *TransactionTariffTask) Version() string {
	return "1.0"
}

func (t *TransactionTariffTask) IsAsynchronous() bool {
	return true
}

func (t *TransactionTariffTask) Migrate() error {
	for _, tenant := range t.tenants {
		transactions, err := t.database.GetUnfinishedTransactions(tenant)
		if err != nil {
			return fmt.Errorf("tenant %s: load transactions: %w", tenant, err)
		}
		for _, transaction := range transactions {
			if transaction.PricePerKwh != 0 {
				continue
			}
			tariff, err := t.database.GetTariff(tenant, transaction.ChargePointId)
			if err != nil || tariff == nil {
				continue
			}
			transaction.PricePerKwh = tariff.PricePerKwh
			if err := t.database.UpdateTransaction(tenant, transaction); err != nil {
				return fmt.Errorf("tenant %s: update transaction %d: %w", tenant, transaction.Id, err)
			}
		}
	}
	return nil
}

package migration

import (
	"evcore/internal"
	"evcore/models"
	"testing"
)

type tagDatabase struct {
	internal.Database
	tags    []*models.UserTag
	updated int
}

func (db *tagDatabase) GetUserTags(string) ([]*models.UserTag, error) {
	return db.tags, nil
}

func (db *tagDatabase) UpdateUserTag(string, *models.UserTag) error {
	db.updated++
	return nil
}

func TestUserTagSourceTaskSplitsPrefixedTags(t *testing.T) {
	db := &tagDatabase{tags: []*models.UserTag{
		{IdTag: "app:ABC123"},
		{IdTag: "PLAIN1"},
		{IdTag: "done:XYZ", Source: "done"},
	}}

	task := NewUserTagSourceTask(db, []string{""})
	if err := task.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if db.tags[0].Source != "app" || db.tags[0].IdTag != "ABC123" {
		t.Fatalf("prefixed tag not split: %+v", db.tags[0])
	}
	if db.tags[1].Source != "" || db.tags[1].IdTag != "PLAIN1" {
		t.Fatalf("plain tag modified: %+v", db.tags[1])
	}
	if db.updated != 1 {
		t.Fatalf("updates = %d, want 1", db.updated)
	}

	// running again changes nothing
	if err := task.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if db.updated != 1 {
		t.Fatalf("second run performed updates")
	}
}

type tariffDatabase struct {
	internal.Database
	transactions []*models.Transaction
	tariff       *models.Tariff
	updated      int
}

func (db *tariffDatabase) GetUnfinishedTransactions(string) ([]*models.Transaction, error) {
	return db.transactions, nil
}

func (db *tariffDatabase) GetTariff(string, string) (*models.Tariff, error) {
	return db.tariff, nil
}

func (db *tariffDatabase) UpdateTransaction(string, *models.Transaction) error {
	db.updated++
	return nil
}

func TestTransactionTariffTaskStampsMissingRates(t *testing.T) {
	db := &tariffDatabase{
		transactions: []*models.Transaction{
			{Id: 1, ChargePointId: "cp1"},
			{Id: 2, ChargePointId: "cp1", PricePerKwh: 1.5},
		},
		tariff: &models.Tariff{ChargePointId: "cp1", PricePerKwh: 2.0, IsActive: true},
	}

	task := NewTransactionTariffTask(db, []string{""})
	if err := task.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if db.transactions[0].PricePerKwh != 2.0 {
		t.Fatalf("rate not stamped: %v", db.transactions[0].PricePerKwh)
	}
	if db.transactions[1].PricePerKwh != 1.5 {
		t.Fatalf("existing rate overwritten: %v", db.transactions[1].PricePerKwh)
	}
	if db.updated != 1 {
		t.Fatalf("updates = %d, want 1", db.updated)
	}
}

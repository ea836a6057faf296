package server

import (
	"evcore/internal"
	"fmt"
)

// TariffResolver answers price lookups from the tenant's tariff collection,
// falling back to the configured default when no active tariff exists.
type TariffResolver struct {
	database     internal.Database
	logger       internal.LogHandler
	defaultPrice float64
}

func NewTariffResolver(defaultPrice float64) *TariffResolver {
	return &TariffResolver{
		defaultPrice: defaultPrice,
	}
}

func (t *TariffResolver) SetDatabase(database internal.Database) {
	t.database = database
}

func (t *TariffResolver) SetLogger(logger internal.LogHandler) {
	t.logger = logger
}

func (t *TariffResolver) PricePerKwh(tenant, chargePointId string) float64 {
	if t.database == nil {
		return t.defaultPrice
	}
	tariff, err := t.database.GetTariff(tenant, chargePointId)
	if err != nil {
		if t.logger != nil {
			t.logger.Error(fmt.Sprintf("get tariff for %s", chargePointId), err)
		}
		return t.defaultPrice
	}
	if tariff == nil || !tariff.IsActive {
		return t.defaultPrice
	}
	return tariff.PricePerKwh
}

package internal

// TariffService resolves the energy price for a charge point within a tenant.
type TariffService interface {
	PricePerKwh(tenant, chargePointId string) float64
}

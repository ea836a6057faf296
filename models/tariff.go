package models

import "time"

type Tariff struct {
	Id            string    `json:"tariff_id" bson:"tariff_id"`
	ChargePointId string    `json:"charge_point_id" bson:"charge_point_id"`
	Currency      string    `json:"currency" bson:"currency"`
	PricePerKwh   float64   `json:"price_per_kwh" bson:"price_per_kwh"`
	IsActive      bool      `json:"is_active" bson:"is_active"`
	LastUpdated   time.Time `json:"last_updated" bson:"last_updated"`
}

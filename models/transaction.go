package models

import (
	"sync"
	"time"
)

type Transaction struct {
	Id            int                `json:"transaction_id" bson:"transaction_id"`
	SessionId     string             `json:"session_id" bson:"session_id"`
	IsFinished    bool               `json:"is_finished" bson:"is_finished"`
	ConnectorId   int                `json:"connector_id" bson:"connector_id"`
	ChargePointId string             `json:"charge_point_id" bson:"charge_point_id"`
	IdTag         string             `json:"id_tag" bson:"id_tag"`
	IdTagNote     string             `json:"id_tag_note" bson:"id_tag_note"`
	Username      string             `json:"username" bson:"username"`
	MeterStart    int                `json:"meter_start" bson:"meter_start"`
	TimeStart     time.Time          `json:"time_start" bson:"time_start"`
	MeterValues   []TransactionMeter `json:"meter_values" bson:"meter_values"`

	// running totals, updated on every meter value until the stop record is set
	Consumed          int     `json:"consumed" bson:"consumed"`
	CurrentPrice      float64 `json:"current_price" bson:"current_price"`
	Inactivity        int     `json:"inactivity" bson:"inactivity"`
	InactivityStatus  string  `json:"inactivity_status" bson:"inactivity_status"`
	CurrentSoC        int     `json:"current_soc" bson:"current_soc"`
	PricePerKwh       float64 `json:"price_per_kwh" bson:"price_per_kwh"`

	Stop *TransactionStop `json:"stop,omitempty" bson:"stop,omitempty"`

	mutex *sync.Mutex
}

// TransactionStop is attached once on StopTransaction; the totals are frozen
// at that point. Only late-arriving cost fields may change afterwards.
type TransactionStop struct {
	IdTag            string    `json:"id_tag" bson:"id_tag"`
	Username         string    `json:"username" bson:"username"`
	MeterStop        int       `json:"meter_stop" bson:"meter_stop"`
	TimeStop         time.Time `json:"time_stop" bson:"time_stop"`
	Reason           string    `json:"reason" bson:"reason"`
	TotalConsumed    int       `json:"total_consumed" bson:"total_consumed"`
	TotalInactivity  int       `json:"total_inactivity" bson:"total_inactivity"`
	ExtraInactivity  int       `json:"extra_inactivity" bson:"extra_inactivity"`
	InactivityStatus string    `json:"inactivity_status" bson:"inactivity_status"`
	Price            float64   `json:"price" bson:"price"`
}

func (t *Transaction) Lock() {
	t.mutex.Lock()
}

func (t *Transaction) Unlock() {
	t.mutex.Unlock()
}

func (t *Transaction) Init() {
	if t.mutex == nil {
		t.mutex = &sync.Mutex{}
	}
}

// LastMeterValue returns the most recent recorded sample, nil if none.
func (t *Transaction) LastMeterValue() *TransactionMeter {
	if len(t.MeterValues) == 0 {
		return nil
	}
	return &t.MeterValues[len(t.MeterValues)-1]
}

package models

import (
	"sync"
	"time"
)

type Connector struct {
	Id                   int       `json:"connector_id" bson:"connector_id"`
	ChargePointId        string    `json:"charge_point_id" bson:"charge_point_id"`
	IsEnabled            bool      `json:"is_enabled" bson:"is_enabled"`
	Status               string    `json:"status" bson:"status"`
	ErrorCode            string    `json:"error_code" bson:"error_code"`
	Info                 string    `json:"info" bson:"info"`
	VendorId             string    `json:"vendor_id" bson:"vendor_id"`
	StatusTime           time.Time `json:"status_time" bson:"status_time"`
	CurrentTransactionId int       `json:"current_transaction_id" bson:"current_transaction_id"`
	CurrentIdTag         string    `json:"current_id_tag" bson:"current_id_tag"`
	mutex                *sync.Mutex
}

func NewConnector(id int, chargePointId string) *Connector {
	connector := Connector{
		Id:                   id,
		ChargePointId:        chargePointId,
		IsEnabled:            true,
		CurrentTransactionId: -1,
	}
	connector.Init()
	return &connector
}

func (c *Connector) Lock() {
	c.mutex.Lock()
}

func (c *Connector) Unlock() {
	c.mutex.Unlock()
}

func (c *Connector) Init() {
	if c.mutex == nil {
		c.mutex = &sync.Mutex{}
	}
}

// IsAvailable reports whether the connector has no active transaction.
func (c *Connector) IsAvailable() bool {
	return c.CurrentTransactionId < 0
}

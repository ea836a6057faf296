package core

import (
	"evcore/types"
	"evcore/utility"
)

const StartTransactionFeatureName = "StartTransaction"

type StartTransactionRequest struct {
	ConnectorId   int             `json:"connectorId" validate:"gte=0"`
	IdTag         string          `json:"idTag" validate:"required,max=20"`
	MeterStart    int             `json:"meterStart" validate:"gte=0"`
	ReservationId *int            `json:"reservationId,omitempty" validate:"omitempty"`
	Timestamp     *types.DateTime `json:"timestamp" validate:"required"`
}

type StartTransactionResponse struct {
	IdTagInfo     *types.IdTagInfo `json:"idTagInfo" validate:"required"`
	TransactionId int              `json:"transactionId"`
}

func (req StartTransactionRequest) GetFeatureName() string {
	return StartTransactionFeatureName
}

func (req StartTransactionRequest) Validate() error {
	// connector id 0 is tolerated here; the lifecycle controller repairs it
	// for single-connector devices
	if req.ConnectorId < 0 {
		return utility.Err("connectorId must not be negative")
	}
	if req.IdTag == "" {
		return utility.Err("idTag is required")
	}
	if len(req.IdTag) > 20 {
		return utility.Err("idTag exceeds 20 characters")
	}
	if req.MeterStart < 0 {
		return utility.Err("meterStart must not be negative")
	}
	if req.Timestamp == nil {
		return utility.Err("timestamp is required")
	}
	return nil
}

func (res StartTransactionResponse) GetFeatureName() string {
	return StartTransactionFeatureName
}

func NewStartTransactionResponse(idTagInfo *types.IdTagInfo, transactionId int) *StartTransactionResponse {
	return &StartTransactionResponse{IdTagInfo: idTagInfo, TransactionId: transactionId}
}

package core

import (
	"evcore/types"
	"evcore/utility"
)

const MeterValuesFeatureName = "MeterValues"

type MeterValuesRequest struct {
	ConnectorId   int                `json:"connectorId" validate:"gte=0"`
	TransactionId *int               `json:"transactionId,omitempty"`
	MeterValue    []types.MeterValue `json:"meterValue" validate:"required,min=1,dive"`
}

type MeterValuesResponse struct {
}

func (req MeterValuesRequest) GetFeatureName() string {
	return MeterValuesFeatureName
}

func (req MeterValuesRequest) Validate() error {
	if req.ConnectorId < 0 {
		return utility.Err("connectorId must not be negative")
	}
	if len(req.MeterValue) == 0 {
		return utility.Err("meterValue requires at least one entry")
	}
	for _, mv := range req.MeterValue {
		if mv.Timestamp == nil {
			return utility.Err("meterValue entry without timestamp")
		}
		if len(mv.SampledValue) == 0 {
			return utility.Err("meterValue entry without sampled values")
		}
		for _, sv := range mv.SampledValue {
			if sv.Value == "" {
				return utility.Err("sampled value without a value")
			}
		}
	}
	return nil
}

func (res MeterValuesResponse) GetFeatureName() string {
	return MeterValuesFeatureName
}

func NewMeterValuesResponse() *MeterValuesResponse {
	return &MeterValuesResponse{}
}

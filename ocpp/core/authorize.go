package core

import (
	"evcore/types"
	"evcore/utility"
)

const AuthorizeFeatureName = "Authorize"

type AuthorizeRequest struct {
	IdTag string `json:"idTag" validate:"required,max=20"`
}

type AuthorizeResponse struct {
	IdTagInfo *types.IdTagInfo `json:"idTagInfo" validate:"required"`
}

func (req AuthorizeRequest) GetFeatureName() string {
	return AuthorizeFeatureName
}

func (req AuthorizeRequest) Validate() error {
	if req.IdTag == "" {
		return utility.Err("idTag is required")
	}
	if len(req.IdTag) > 20 {
		return utility.Err("idTag exceeds 20 characters")
	}
	return nil
}

func (res AuthorizeResponse) GetFeatureName() string {
	return AuthorizeFeatureName
}

func NewAuthorizationResponse(idTagInfo *types.IdTagInfo) *AuthorizeResponse {
	return &AuthorizeResponse{IdTagInfo: idTagInfo}
}

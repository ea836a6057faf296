package models

import (
	"strings"
	"time"
)

// UserTag is a charging identifier presented by a device on Authorize and
// StartTransaction. Unknown tags are registered on first sight, disabled
// unless the unknown-tag policy accepts them.
type UserTag struct {
	Username       string    `json:"username" bson:"username"`
	IdTag          string    `json:"id_tag" bson:"id_tag"`
	Source         string    `json:"source" bson:"source"`
	IsEnabled      bool      `json:"is_enabled" bson:"is_enabled"`
	DateRegistered time.Time `json:"date_registered" bson:"date_registered"`
	LastSeen       time.Time `json:"last_seen" bson:"last_seen"`
}

func NewUserTag(idTag string) *UserTag {
	// charge point can add a prefix to the id tag, separated by a colon
	source, id := SplitIdTag(idTag)
	return &UserTag{
		IdTag:     id,
		Source:    source,
		IsEnabled: false,
	}
}

func SplitIdTag(idTag string) (string, string) {
	if strings.Contains(idTag, ":") {
		s := strings.Split(idTag, ":")
		return s[0], s[1]
	}
	return "", idTag
}

package model

import "time"

// SingleUseURL is one distributable reward link. The JSON field names
// match the records the campaign tooling already exports, including the
// "event" name for the category grouping.
type SingleUseURL struct {
	ID          string     `json:"id"`
	Event       string     `json:"event"`
	URL         string     `json:"url"`
	Description string     `json:"description"`
	Used        bool       `json:"used"`
	UsedAt      *time.Time `json:"usedAt"`
	UsedBy      string     `json:"usedBy,omitempty"`
}

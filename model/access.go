package model

// AccessRecord tracks one visitor's cooldown against one venue.
// Timestamps are epoch seconds; NextAvailableAt is never before
// LastAccessAt. The record's Redis TTL matches the cooldown, so an
// absent key means the visitor is clear to play again.
type AccessRecord struct {
	NextAvailableAt int64 `json:"nextAvailableAt"`
	LastAccessAt    int64 `json:"lastAccessAt"`
}

// AccessRule is the per-venue gate configuration. MaxPerDay of 0
// disables the daily cap.
type AccessRule struct {
	IntervalSeconds int `json:"intervalSeconds"`
	MaxPerDay       int `json:"maxPerDay"`
}

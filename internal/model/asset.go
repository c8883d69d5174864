package model

import "time"

// Asset is the mirrored ownership state of one asset.
type Asset struct {
	ID               string    `json:"id"`
	CurrentOwner     string    `json:"current_owner"`
	LastAppliedBlock uint64    `json:"last_applied_block"`
	UpdatedAt        time.Time `json:"updated_at"`
}

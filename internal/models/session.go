package models

import "time"

// SessionInfo is the externally visible summary of a session.
type SessionInfo struct {
	ID        string       `json:"id"`
	CreatedAt time.Time    `json:"created_at"`
	Turns     int          `json:"turns"`
	Asset     *AssetHandle `json:"asset,omitempty"`
}

package models

import "time"

// SessionInfo is what the session store keeps per issued token.
type SessionInfo struct {
	Token     string    `json:"token"`
	PeerID    string    `json:"peer_id"`
	User      string    `json:"user"`
	Sys       string    `json:"sys"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

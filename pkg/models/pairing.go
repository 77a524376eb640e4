package models

import "time"

// PairingStatus is the lifecycle state of a pairing request.
type PairingStatus string

const (
	PairingPending  PairingStatus = "pending"
	PairingApproved PairingStatus = "approved"
	PairingDenied   PairingStatus = "denied"
)

// PairingRequest records an operator-approval request created by the first
// message from an unknown bot user. The linked session stays flagged
// pending_initialization until the request resolves.
type PairingRequest struct {
	ID          string        `json:"id"`
	Platform    ChannelType   `json:"platform"`
	UserID      string        `json:"user_id"`
	DisplayName string        `json:"display_name,omitempty"`
	ChatID      string        `json:"chat_id"`
	SessionID   string        `json:"session_id,omitempty"`
	Status      PairingStatus `json:"status"`
	Trust       TrustLevel    `json:"trust_level,omitempty"` // set on approval
	CreatedAt   time.Time     `json:"created_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
}

// Resolved reports whether the request has left the pending state.
func (r *PairingRequest) Resolved() bool {
	return r.Status != PairingPending
}

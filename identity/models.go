package identity

import "time"

// Role classifies a service account registered with the engine.
type Role string

const (
	// RoleParty is a party-side service acting for a primary party or
	// counterparty.
	RoleParty Role = "party"
	// RoleArbitrator is the external arbitrator allowed to call the dispute
	// callback router.
	RoleArbitrator Role = "arbitrator"
)

// Account is the domain representation of a registered service account. It
// mirrors the service_accounts table and carries no presentation tags.
type Account struct {
	ID         string
	Name       string
	Role       Role
	SecretHash string
	CreatedAt  time.Time
}

// RegisterRequest contains account registration data supplied by operators.
type RegisterRequest struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
	Role   Role   `json:"role"`
}

// LoginRequest contains service account credentials.
type LoginRequest struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

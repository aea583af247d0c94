package model

import "time"

type Provider string

const (
	ProviderGoogle  Provider = "google"
	ProviderOutlook Provider = "outlook"
)

// User is the authenticated mailbox owner. It travels inside job payloads as an
// immutable value; the pipeline never refreshes credentials itself.
type User struct {
	ID           string     `json:"id"`
	DisplayName  string     `json:"displayName"`
	Email        string     `json:"email"`
	Provider     Provider   `json:"provider"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	TokenExpiry  *time.Time `json:"tokenExpiry,omitempty"`
}

// Redacted returns a copy without credentials, for logs and API responses.
func (u User) Redacted() User {
	u.AccessToken = ""
	u.RefreshToken = ""
	return u
}

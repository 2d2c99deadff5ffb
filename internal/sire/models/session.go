package models

import "time"

// SessionOrigin records how the current token pair was obtained.
type SessionOrigin string

const (
	OriginPasswordGrant SessionOrigin = "password_grant"
	OriginRefresh       SessionOrigin = "refresh"
)

// Session is the cached OAuth2 token pair for one taxpayer.
type Session struct {
	TaxpayerID   string        `json:"taxpayer_id"`
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Active       bool          `json:"active"`
	Origin       SessionOrigin `json:"origin"`
	CreatedAt    time.Time     `json:"created_at"`
	RefreshedAt  *time.Time    `json:"refreshed_at,omitempty"`
	LastUsedAt   time.Time     `json:"last_used_at"`
	Version      int64         `json:"version"`
}

// Valid reports whether the session may hand out its access token at now.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.Active && s.AccessToken != "" && now.Before(s.ExpiresAt)
}

// SessionStatus is the token-free projection of a session.
type SessionStatus struct {
	TaxpayerID string        `json:"taxpayer_id"`
	Active     bool          `json:"active"`
	ExpiresIn  int64         `json:"expires_in_seconds"`
	Origin     SessionOrigin `json:"origin,omitempty"`
}

// TokenGrant is the token endpoint response after normalization.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    time.Duration
	Scope        string
}

// Credentials are the decrypted per-taxpayer secrets. They only live in memory.
type Credentials struct {
	TaxpayerID   string
	SolUser      string
	SolPassword  string
	ClientID     string
	ClientSecret string
}

// Username is the provider's grant username: taxpayer id immediately followed by
// the SOL user.
func (c Credentials) Username() string {
	return c.TaxpayerID + c.SolUser
}

// SealedCredentials is the at-rest form: AES-256-GCM over the JSON credentials,
// bound to TaxpayerID as additional data.
type SealedCredentials struct {
	TaxpayerID string    `json:"taxpayer_id"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
	UpdatedAt  time.Time `json:"updated_at"`
}

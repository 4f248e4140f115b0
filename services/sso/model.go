package sso

import "github.com/golang-jwt/jwt/v5"

const (
	ReasonTokenExpired = "token_expired"
	ReasonTokenInvalid = "token_invalid"
)

// Claims is the payload of a short-lived session token. The token proves
// that the holder passed license verification moments ago; it is not a
// license and expires on its own regardless of license state.
type Claims struct {
	OrgID     string   `json:"org_id"`
	LicenseID string   `json:"license_id"`
	ProgramID string   `json:"program_id"`
	Roles     []string `json:"roles,omitempty"`
	Features  []string `json:"features,omitempty"`
	jwt.RegisteredClaims
}

type Session struct {
	Token     string  `json:"token"`
	ExpiresAt int64   `json:"expires_at"`
	Claims    *Claims `json:"claims"`
}

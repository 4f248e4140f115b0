package verification

// Reason codes for a failed verification, ordered by the short-circuit
// sequence the verifier applies.
const (
	ReasonBadSignature          = "bad_signature"
	ReasonMissingLicenseID      = "missing_license_id"
	ReasonUnknownLicenseID      = "unknown_license_id"
	ReasonRevoked               = "revoked"
	ReasonSuspended             = "suspended"
	ReasonAuthorizationMissing  = "authorization_missing"
	ReasonAuthorizationInactive = "authorization_inactive"
	ReasonNotYetActive          = "not_yet_active"
	ReasonExpired               = "expired"
)

// Result is the reason-coded answer to "is this license currently valid".
// A cryptographically sound signature is never sufficient on its own; the
// verdict always reflects live store state. Callers may cache a positive
// result for at most CacheTTLSec seconds and tolerate unreachability for
// GraceSeconds before treating the license as invalid.
type Result struct {
	Valid           bool   `json:"valid"`
	Reason          string `json:"reason,omitempty"`
	LicenseID       string `json:"license_id,omitempty"`
	ProgramID       string `json:"program_id,omitempty"`
	AuthorizationID string `json:"authorization_id,omitempty"`
	CacheTTLSec     int    `json:"cache_ttl_sec,omitempty"`
	GraceSeconds    int    `json:"grace_seconds,omitempty"`
}

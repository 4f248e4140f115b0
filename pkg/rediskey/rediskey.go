package rediskey

import "fmt"

const (
	VerificationPrefix = "license:verify"
	SSOTokenPrefix     = "sso:token"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// Verification returns "license:verify:{licenseID}".
func Verification(licenseID string) string {
	return NamespaceKey(VerificationPrefix, licenseID)
}

// SSOToken returns "sso:token:{jti}".
func SSOToken(jti string) string {
	return NamespaceKey(SSOTokenPrefix, jti)
}

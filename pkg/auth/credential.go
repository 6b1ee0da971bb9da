// Package auth manages the bearer credential used against the CRM REST API.
package auth

import (
	"fmt"
	"time"
)

// Credential is a bearer token together with the instance it is valid for.
type Credential struct {
	// AccessToken is sent as "Authorization: Bearer <token>".
	AccessToken string

	// ExpiresAt is when the token stops being accepted (now + expires_in).
	ExpiresAt time.Time

	// InstanceURL is the base URL the REST API must be called against.
	InstanceURL string
}

// IsExpired returns true if the credential has expired.
func (c Credential) IsExpired() bool {
	return !time.Now().Before(c.ExpiresAt)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (c Credential) TTL() time.Duration {
	return c.ttlAt(time.Now())
}

// NeedsRefresh reports whether the credential is missing, expired, or expires
// within margin.
func (c Credential) NeedsRefresh(margin time.Duration) bool {
	return c.needsRefreshAt(time.Now(), margin)
}

func (c Credential) ttlAt(now time.Time) time.Duration {
	ttl := c.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

func (c Credential) needsRefreshAt(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if margin < 0 {
		margin = 0
	}
	return !now.Add(margin).Before(c.ExpiresAt)
}

// String hides the token so credentials can be logged safely.
func (c Credential) String() string {
	token := "<none>"
	if c.AccessToken != "" {
		token = "<redacted>"
	}
	return fmt.Sprintf("Credential{token=%s expires_at=%s instance=%s}",
		token, c.ExpiresAt.Format(time.RFC3339), c.InstanceURL)
}

package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RelayCredential is a time-limited TURN credential. The username embeds
// the issuance expiry as "<unixExpiry>:<id>", the format the TURN REST
// collaborator issues. Exactly one live credential is cached process-wide.
type RelayCredential struct {
	Username  string
	Password  string
	TTL       time.Duration
	RelayURLs []string
	IssuedAt  time.Time
}

// ExpiresAt decodes the expiry embedded in the username. Falls back to
// IssuedAt+TTL when the username does not carry a timestamp.
func (c RelayCredential) ExpiresAt() time.Time {
	if ts, err := DecodeCredentialExpiry(c.Username); err == nil {
		return ts
	}
	return c.IssuedAt.Add(c.TTL)
}

// Expired reports whether the credential is past (or within buffer of)
// its encoded expiry.
func (c RelayCredential) Expired(now time.Time, buffer time.Duration) bool {
	return !now.Add(buffer).Before(c.ExpiresAt())
}

// DecodeCredentialExpiry parses the unix timestamp prefix of a TURN
// username of the form "<unixExpiry>:<id>".
func DecodeCredentialExpiry(username string) (time.Time, error) {
	idx := strings.IndexByte(username, ':')
	if idx <= 0 {
		return time.Time{}, fmt.Errorf("username %q has no timestamp prefix", username)
	}
	sec, err := strconv.ParseInt(username[:idx], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("username %q timestamp: %w", username, err)
	}
	return time.Unix(sec, 0), nil
}

// ICEServer is one STUN or TURN entry handed to the native connection.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ConnectivityClass is the outcome of a relay connectivity probe.
type ConnectivityClass string

const (
	ConnectivityDirect       ConnectivityClass = "direct"
	ConnectivityNATTraversed ConnectivityClass = "nat-traversed"
	ConnectivityRelayed      ConnectivityClass = "relayed"
	ConnectivityFailed       ConnectivityClass = "failed"
)

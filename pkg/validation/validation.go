package validation

import (
	"fmt"
	"strings"
)

// ValidateSDP checks the minimal structural requirements of a session
// description before it reaches the native connection.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if len(sdp) < 2 || sdp[:2] != "v=" {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}

	requiredFields := []string{"v=", "o=", "s=", "t="}
	for _, field := range requiredFields {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

// ValidateCandidate checks an ICE candidate string.
func ValidateCandidate(candidate string) error {
	if candidate == "" {
		return fmt.Errorf("ICE candidate is required")
	}
	if !strings.HasPrefix(candidate, "candidate:") && !strings.HasPrefix(candidate, "a=candidate:") {
		return fmt.Errorf("invalid ICE candidate format")
	}
	return nil
}

// ValidateMeetingID checks the meeting identifier format.
func ValidateMeetingID(meetingID string) error {
	if meetingID == "" {
		return fmt.Errorf("meeting id cannot be empty")
	}
	if len(meetingID) > 100 {
		return fmt.Errorf("meeting id must be between 1 and 100 characters")
	}
	return nil
}

// ValidatePeerID checks the peer identifier format.
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer id cannot be empty")
	}
	if len(peerID) > 100 {
		return fmt.Errorf("peer id must be between 1 and 100 characters")
	}
	return nil
}

package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"callcore/internal/core/domain"

	"github.com/pion/ice/v4"
	"github.com/pion/sdp/v3"
)

var (
	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)

	// CallIDRegex accepts uuids and other opaque server ids
	CallIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const maxSDPBytes = 64 * 1024

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > 100 {
		return fmt.Errorf("peer ID is too long (max 100 characters)")
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateCallID validates call ID
func ValidateCallID(callID string) error {
	if callID == "" {
		return fmt.Errorf("call ID is required")
	}
	if len(callID) > 64 {
		return fmt.Errorf("call ID is too long (max 64 characters)")
	}
	if !CallIDRegex.MatchString(callID) {
		return fmt.Errorf("invalid call ID format")
	}
	return nil
}

func ValidateMediaKind(kind domain.MediaKind) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid media kind (must be audio or video)")
	}
	return nil
}

// ValidateSDP parses an offer or answer and checks that it can drive an
// ICE negotiation: at least one media section, ICE credentials and a DTLS
// fingerprint at session or media level.
func ValidateSDP(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("sdp is required")
	}
	if len(raw) > maxSDPBytes {
		return fmt.Errorf("sdp is too large (max %d bytes)", maxSDPBytes)
	}

	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		return fmt.Errorf("invalid sdp: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return fmt.Errorf("sdp has no media sections")
	}

	for i, media := range desc.MediaDescriptions {
		if !hasAttribute(&desc, media, "ice-ufrag") || !hasAttribute(&desc, media, "ice-pwd") {
			return fmt.Errorf("sdp media %d (%s) is missing ice credentials", i, media.MediaName.Media)
		}
		if !hasAttribute(&desc, media, "fingerprint") {
			return fmt.Errorf("sdp media %d (%s) is missing a dtls fingerprint", i, media.MediaName.Media)
		}
	}
	return nil
}

func hasAttribute(desc *sdp.SessionDescription, media *sdp.MediaDescription, key string) bool {
	if _, ok := media.Attribute(key); ok {
		return true
	}
	_, ok := desc.Attribute(key)
	return ok
}

// ValidateICECandidate checks a trickled candidate line. The empty string
// marks end of candidates and is accepted.
func ValidateICECandidate(c domain.ICECandidate) error {
	if c.Candidate == "" {
		return nil
	}
	if len(c.Candidate) > 1024 {
		return fmt.Errorf("ice candidate is too long")
	}
	if c.SDPMid == nil && c.SDPMLineIndex == nil {
		return fmt.Errorf("ice candidate needs sdpMid or sdpMLineIndex")
	}
	candidate, err := ice.UnmarshalCandidate(c.Candidate)
	if err != nil {
		return fmt.Errorf("invalid ice candidate: %w", err)
	}
	if candidate.Port() <= 0 || candidate.Port() > 65535 {
		return fmt.Errorf("ice candidate port out of range")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}

package relay

import "callcore/internal/core/domain"

// JSON-RPC methods spoken with a relay room. join is a call; the rest are
// notifications in both directions.
const (
	MethodJoin              = "join"
	MethodLeave             = "leave"
	MethodOffer             = "offer"
	MethodAnswer            = "answer"
	MethodTrickle           = "trickle"
	MethodParticipants      = "participants"
	MethodConnectionQuality = "connection_quality"
)

type JoinParams struct {
	Token string `json:"token"`
	Offer string `json:"offer"`
}

type JoinResult struct {
	Answer       string                    `json:"answer"`
	Participants []domain.RelayParticipant `json:"participants"`
}

type DescriptionParams struct {
	SDP string `json:"sdp"`
}

type TrickleParams struct {
	Candidate domain.ICECandidate `json:"candidate"`
}

// ParticipantsParams carries the full roster after a change.
type ParticipantsParams struct {
	Change       domain.RosterChange       `json:"change"`
	Participants []domain.RelayParticipant `json:"participants"`
}

type QualityParams struct {
	Quality domain.ProviderQuality `json:"quality"`
}

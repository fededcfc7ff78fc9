package domain

import (
	"sort"

	"github.com/samber/lo"
)

type RelayCredentials struct {
	RoomURL string `json:"room_url"`
	Token   string `json:"token"`
}

// RelayRoomOffer carries one join token per participant.
type RelayRoomOffer struct {
	RoomURL             string            `json:"room_url"`
	TokensByParticipant map[PeerID]string `json:"tokens_by_participant"`
}

// TokenFor picks the token addressed to the local participant. A token keyed
// by the local id wins; otherwise every known remote peer is excluded and the
// remaining token is used.
func (o RelayRoomOffer) TokenFor(local PeerID, known []PeerID) (RelayCredentials, bool) {
	if o.RoomURL == "" || len(o.TokensByParticipant) == 0 {
		return RelayCredentials{}, false
	}
	if token, ok := o.TokensByParticipant[local]; ok && token != "" {
		return RelayCredentials{RoomURL: o.RoomURL, Token: token}, true
	}

	remaining := lo.OmitByKeys(o.TokensByParticipant, known)
	keys := lo.Keys(remaining)
	if len(keys) == 0 {
		return RelayCredentials{}, false
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return RelayCredentials{RoomURL: o.RoomURL, Token: remaining[keys[0]]}, true
}

type RelayParticipant struct {
	ID           PeerID `json:"id"`
	HasAudio     bool   `json:"has_audio"`
	HasVideo     bool   `json:"has_video"`
	AudioEnabled bool   `json:"audio_enabled"`
	VideoEnabled bool   `json:"video_enabled"`
}

type RosterChange string

const (
	RosterJoined  RosterChange = "joined"
	RosterUpdated RosterChange = "updated"
	RosterLeft    RosterChange = "left"
)

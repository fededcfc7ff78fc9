package domain

type LinkState string

const (
	LinkIdle        LinkState = "idle"
	LinkNegotiating LinkState = "negotiating"
	LinkConnected   LinkState = "connected"
	LinkDegraded    LinkState = "degraded"
	LinkRestarting  LinkState = "restarting"
	LinkFailedOver  LinkState = "failed_over"
)

// ConnectivityState mirrors the ICE connection sub-state of a transport.
type ConnectivityState string

const (
	ConnectivityNew          ConnectivityState = "new"
	ConnectivityChecking     ConnectivityState = "checking"
	ConnectivityConnected    ConnectivityState = "connected"
	ConnectivityCompleted    ConnectivityState = "completed"
	ConnectivityDisconnected ConnectivityState = "disconnected"
	ConnectivityFailed       ConnectivityState = "failed"
	ConnectivityClosed       ConnectivityState = "closed"
)

func (s ConnectivityState) Connected() bool {
	return s == ConnectivityConnected || s == ConnectivityCompleted
}

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// ICECandidate has the JSON shape of a browser RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

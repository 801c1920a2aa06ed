package domain

import (
	"encoding/json"
	"time"
)

// Signaling envelope types carried over the transport. The set matches the
// meeting backend's wire vocabulary; unknown types are relayed to other
// subsystems untouched, never rejected.
type EnvelopeType string

const (
	TypeJoin              EnvelopeType = "join"
	TypeLeave             EnvelopeType = "leave"
	TypeOffer             EnvelopeType = "offer"
	TypeAnswer            EnvelopeType = "answer"
	TypeIceCandidate      EnvelopeType = "ice-candidate"
	TypeParticipantJoined EnvelopeType = "participant-joined"
	TypeParticipantLeft   EnvelopeType = "participant-left"
)

// Envelope is the JSON signaling message exchanged over the transport.
// Data stays raw until the handler for its type decodes it.
type Envelope struct {
	Type      EnvelopeType    `json:"type"`
	MeetingID MeetingID       `json:"meetingId"`
	From      PeerID          `json:"from"`
	To        PeerID          `json:"to,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SessionDescription is the SDP half of an offer/answer exchange.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// OfferAnswerPayload carries SDP in offer and answer envelopes.
type OfferAnswerPayload struct {
	SDP string `json:"sdp"`
}

// ICECandidatePayload carries one discovered network path.
type ICECandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	SDPMid        string `json:"sdpMid"`
}

// JoinPayload announces a participant, carried by join and
// participant-joined envelopes.
type JoinPayload struct {
	ParticipantID   PeerID `json:"participantId"`
	Name            string `json:"name"`
	AvatarURL       string `json:"avatarUrl,omitempty"`
	IsAuthenticated bool   `json:"isAuthenticated"`
}

// LeavePayload announces a departure.
type LeavePayload struct {
	ParticipantID PeerID `json:"participantId"`
}

// NewEnvelope builds an envelope with the payload marshaled in place.
func NewEnvelope(t EnvelopeType, meetingID MeetingID, from, to PeerID, payload interface{}) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	return Envelope{
		Type:      t,
		MeetingID: meetingID,
		From:      from,
		To:        to,
		Data:      raw,
		Timestamp: time.Now(),
	}, nil
}

package domain

import "errors"

var (
	ErrPeerNotFound          = errors.New("peer not found")
	ErrInvalidSignalingState = errors.New("invalid signaling state for message")
	ErrNegotiationFailed     = errors.New("negotiation failed")
	ErrDuplicateOffer        = errors.New("duplicate offer")
	ErrCredentialUnavailable = errors.New("relay credential unavailable")
	ErrCredentialExpired     = errors.New("relay credential expired")
	ErrPoolExhausted         = errors.New("audio context pool at capacity")
	ErrTransportClosed       = errors.New("signaling transport closed")
	ErrRecoveryExhausted     = errors.New("recovery attempts exhausted")
	ErrTokenExpired          = errors.New("access token expired")
)

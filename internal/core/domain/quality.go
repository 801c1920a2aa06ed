package domain

import "time"

// QualityLevel is the classification bucket for a peer's transport quality.
type QualityLevel string

const (
	QualityExcellent QualityLevel = "excellent"
	QualityGood      QualityLevel = "good"
	QualityFair      QualityLevel = "fair"
	QualityPoor      QualityLevel = "poor"
	QualityUnknown   QualityLevel = "unknown"
)

// QualitySample is one observation of a peer's transport statistics.
// Samples live only in the monitor's rolling window, never persisted.
type QualitySample struct {
	RTT        time.Duration
	PacketLoss float64 // fraction 0..1
	Jitter     time.Duration
	Bandwidth  int // kbps available outgoing
	Timestamp  time.Time
}

// QualityThreshold is the floor a trailing average must meet for a bucket.
type QualityThreshold struct {
	MaxRTT        time.Duration
	MaxPacketLoss float64
	MaxJitter     time.Duration
	MinBandwidth  int
}

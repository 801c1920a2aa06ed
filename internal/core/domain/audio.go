package domain

import "time"

// AudioConfig identifies a pooled audio context. Connections requesting an
// identical config share one context.
type AudioConfig struct {
	SampleRate  uint32
	LatencyHint string // "interactive", "balanced", "playback"
}

// PooledAudioContext is the pool's bookkeeping record for one native
// audio-processing context.
type PooledAudioContext struct {
	ID         string
	Config     AudioConfig
	RefCount   int
	CreatedAt  time.Time
	LastUsedAt time.Time
}

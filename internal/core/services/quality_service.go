package services

import (
	"time"

	"meetmesh/internal/core/domain"
)

// QualityClassifier maps trailing-average transport samples onto quality
// levels. Buckets are evaluated strictest first.
type QualityClassifier struct {
	thresholds map[domain.QualityLevel]domain.QualityThreshold
}

func NewQualityClassifier() *QualityClassifier {
	return &QualityClassifier{
		thresholds: map[domain.QualityLevel]domain.QualityThreshold{
			domain.QualityExcellent: {
				MaxRTT:        100 * time.Millisecond,
				MaxPacketLoss: 0.01,
				MaxJitter:     30 * time.Millisecond,
				MinBandwidth:  2000,
			},
			domain.QualityGood: {
				MaxRTT:        200 * time.Millisecond,
				MaxPacketLoss: 0.03,
				MaxJitter:     50 * time.Millisecond,
				MinBandwidth:  800,
			},
			domain.QualityFair: {
				MaxRTT:        350 * time.Millisecond,
				MaxPacketLoss: 0.08,
				MaxJitter:     100 * time.Millisecond,
				MinBandwidth:  300,
			},
		},
	}
}

// Thresholds returns the classification thresholds (for use by the monitor)
func (qc *QualityClassifier) Thresholds() map[domain.QualityLevel]domain.QualityThreshold {
	return qc.thresholds
}

// Classify buckets the trailing average of the window. An empty window
// classifies as unknown rather than poor so a freshly connected peer is not
// reported as degraded before any samples arrive.
func (qc *QualityClassifier) Classify(samples []domain.QualitySample) domain.QualityLevel {
	if len(samples) == 0 {
		return domain.QualityUnknown
	}

	avg := Average(samples)
	for _, level := range []domain.QualityLevel{domain.QualityExcellent, domain.QualityGood, domain.QualityFair} {
		if qc.meetsThreshold(avg, qc.thresholds[level]) {
			return level
		}
	}
	return domain.QualityPoor
}

func (qc *QualityClassifier) meetsThreshold(avg domain.QualitySample, threshold domain.QualityThreshold) bool {
	return avg.RTT <= threshold.MaxRTT &&
		avg.PacketLoss <= threshold.MaxPacketLoss &&
		avg.Jitter <= threshold.MaxJitter &&
		avg.Bandwidth >= threshold.MinBandwidth
}

// ShouldAlert reports whether a transition between two levels is worth an
// operator-facing warning. Only drops into poor territory alert.
func (qc *QualityClassifier) ShouldAlert(previous, current domain.QualityLevel) bool {
	return current == domain.QualityPoor && previous != domain.QualityPoor && previous != domain.QualityUnknown
}

// Average computes the arithmetic mean over a sample window.
func Average(samples []domain.QualitySample) domain.QualitySample {
	if len(samples) == 0 {
		return domain.QualitySample{}
	}

	var sum domain.QualitySample
	for _, s := range samples {
		sum.RTT += s.RTT
		sum.PacketLoss += s.PacketLoss
		sum.Jitter += s.Jitter
		sum.Bandwidth += s.Bandwidth
	}

	n := len(samples)
	return domain.QualitySample{
		RTT:        sum.RTT / time.Duration(n),
		PacketLoss: sum.PacketLoss / float64(n),
		Jitter:     sum.Jitter / time.Duration(n),
		Bandwidth:  sum.Bandwidth / n,
		Timestamp:  samples[n-1].Timestamp,
	}
}

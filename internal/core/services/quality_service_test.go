package services

import (
	"testing"
	"time"

	"meetmesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func sample(rtt time.Duration, loss float64, jitter time.Duration, bw int) domain.QualitySample {
	return domain.QualitySample{RTT: rtt, PacketLoss: loss, Jitter: jitter, Bandwidth: bw, Timestamp: time.Now()}
}

func TestQualityClassifier_Classify(t *testing.T) {
	qc := NewQualityClassifier()

	tests := []struct {
		name    string
		samples []domain.QualitySample
		want    domain.QualityLevel
	}{
		{
			name:    "empty window is unknown",
			samples: nil,
			want:    domain.QualityUnknown,
		},
		{
			name:    "pristine link",
			samples: []domain.QualitySample{sample(40*time.Millisecond, 0.001, 10*time.Millisecond, 3000)},
			want:    domain.QualityExcellent,
		},
		{
			name:    "moderate latency",
			samples: []domain.QualitySample{sample(180*time.Millisecond, 0.02, 40*time.Millisecond, 1200)},
			want:    domain.QualityGood,
		},
		{
			name:    "lossy but usable",
			samples: []domain.QualitySample{sample(300*time.Millisecond, 0.06, 80*time.Millisecond, 500)},
			want:    domain.QualityFair,
		},
		{
			name:    "congested link",
			samples: []domain.QualitySample{sample(800*time.Millisecond, 0.2, 150*time.Millisecond, 100)},
			want:    domain.QualityPoor,
		},
		{
			name: "single spike averaged out by good samples",
			samples: []domain.QualitySample{
				sample(40*time.Millisecond, 0.001, 10*time.Millisecond, 3000),
				sample(40*time.Millisecond, 0.001, 10*time.Millisecond, 3000),
				sample(220*time.Millisecond, 0.01, 50*time.Millisecond, 2000),
			},
			want: domain.QualityExcellent,
		},
		{
			name: "bandwidth floor decides",
			samples: []domain.QualitySample{
				sample(50*time.Millisecond, 0.001, 10*time.Millisecond, 250),
			},
			want: domain.QualityPoor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, qc.Classify(tt.samples))
		})
	}
}

func TestQualityClassifier_ShouldAlert(t *testing.T) {
	qc := NewQualityClassifier()

	assert.True(t, qc.ShouldAlert(domain.QualityGood, domain.QualityPoor))
	assert.False(t, qc.ShouldAlert(domain.QualityPoor, domain.QualityPoor))
	assert.False(t, qc.ShouldAlert(domain.QualityUnknown, domain.QualityPoor), "a fresh peer has nothing to degrade from")
	assert.False(t, qc.ShouldAlert(domain.QualityPoor, domain.QualityGood))
}

func TestAverage(t *testing.T) {
	avg := Average([]domain.QualitySample{
		sample(100*time.Millisecond, 0.1, 20*time.Millisecond, 1000),
		sample(200*time.Millisecond, 0.3, 40*time.Millisecond, 2000),
	})

	assert.Equal(t, 150*time.Millisecond, avg.RTT)
	assert.InDelta(t, 0.2, avg.PacketLoss, 1e-9)
	assert.Equal(t, 30*time.Millisecond, avg.Jitter)
	assert.Equal(t, 1500, avg.Bandwidth)
}

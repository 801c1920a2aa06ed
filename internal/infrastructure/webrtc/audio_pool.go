package webrtc

import (
	"sync"
	"time"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/pkg/utils"

	"github.com/pion/opus"
	"go.uber.org/zap"
)

// opusContext is the default pooled audio context, wrapping a pure-Go Opus
// decoder for the connection's receive path.
type opusContext struct {
	id      string
	cfg     domain.AudioConfig
	decoder *opus.Decoder
}

func newOpusContext(cfg domain.AudioConfig) (ports.AudioContext, error) {
	decoder := opus.NewDecoder()
	return &opusContext{
		id:      utils.GenerateContextID(),
		cfg:     cfg,
		decoder: &decoder,
	}, nil
}

func (c *opusContext) ID() string                 { return c.id }
func (c *opusContext) Config() domain.AudioConfig { return c.cfg }
func (c *opusContext) Close() error               { return nil }

// Decode decodes one Opus frame into the provided PCM buffer.
func (c *opusContext) Decode(frame []byte, pcm []byte) error {
	_, _, err := c.decoder.Decode(frame, pcm)
	return err
}

// poolEntry tracks one shared context and its reference count.
type poolEntry struct {
	ctx        ports.AudioContext
	refCount   int
	createdAt  time.Time
	releasedAt time.Time // zero while referenced
}

// AudioPool shares audio contexts between peers with identical configs.
// Contexts are reference counted; a fully released context lingers for a
// grace period so churny join/leave cycles reuse it instead of paying
// construction cost, then the sweeper reaps it. Contexts past max age are
// reaped regardless of references.
type AudioPool struct {
	capacity    int
	gracePeriod time.Duration
	maxAge      time.Duration
	sweepEvery  time.Duration

	factory func(domain.AudioConfig) (ports.AudioContext, error)
	metrics ports.MetricsSink

	mu      sync.Mutex
	byID    map[string]*poolEntry
	byCfg   map[domain.AudioConfig]*poolEntry
	stopCh  chan struct{}
	stopped sync.Once

	logger *zap.SugaredLogger
}

// AudioPoolConfig carries the pool's tunables.
type AudioPoolConfig struct {
	Capacity    int
	GracePeriod time.Duration
	MaxAge      time.Duration
	SweepEvery  time.Duration
}

func NewAudioPool(cfg AudioPoolConfig, metrics ports.MetricsSink, logger *zap.Logger) *AudioPool {
	return &AudioPool{
		capacity:    cfg.Capacity,
		gracePeriod: cfg.GracePeriod,
		maxAge:      cfg.MaxAge,
		sweepEvery:  cfg.SweepEvery,
		factory:     newOpusContext,
		metrics:     metrics,
		byID:        make(map[string]*poolEntry),
		byCfg:       make(map[domain.AudioConfig]*poolEntry),
		stopCh:      make(chan struct{}),
		logger:      logger.Sugar(),
	}
}

// SetFactory replaces the context constructor. Used by tests.
func (p *AudioPool) SetFactory(f func(domain.AudioConfig) (ports.AudioContext, error)) {
	p.factory = f
}

// Start launches the background sweeper.
func (p *AudioPool) Start() {
	go p.sweepLoop()
}

// Stop terminates the sweeper and closes every pooled context.
func (p *AudioPool) Stop() {
	p.stopped.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, entry := range p.byID {
		entry.ctx.Close()
		delete(p.byID, id)
		if p.byCfg[entry.ctx.Config()] == entry {
			delete(p.byCfg, entry.ctx.Config())
		}
	}
	p.metrics.SetPooledContexts(0)
}

// Acquire returns a context for the config, sharing an existing one when
// the config matches. A pool at capacity rejects rather than evicting a
// context another peer still references.
func (p *AudioPool) Acquire(cfg domain.AudioConfig) (ports.AudioContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.byCfg[cfg]; ok {
		// An over-age context must not gain new references; retire it
		// from sharing and let the sweeper reap it once released.
		if utils.IsExpired(entry.createdAt, p.maxAge) {
			delete(p.byCfg, cfg)
			p.logger.Infow("audio context past max age, replacing",
				"context_id", entry.ctx.ID(), "age", time.Since(entry.createdAt))
		} else {
			entry.refCount++
			entry.releasedAt = time.Time{}
			p.logger.Debugw("audio context shared",
				"context_id", entry.ctx.ID(), "ref_count", entry.refCount)
			return entry.ctx, nil
		}
	}

	if len(p.byID) >= p.capacity {
		p.logger.Warnw("audio pool at capacity",
			"capacity", p.capacity, "sample_rate", cfg.SampleRate)
		return nil, domain.ErrPoolExhausted
	}

	ctx, err := p.factory(cfg)
	if err != nil {
		return nil, err
	}

	entry := &poolEntry{ctx: ctx, refCount: 1, createdAt: time.Now()}
	p.byID[ctx.ID()] = entry
	p.byCfg[cfg] = entry
	p.metrics.SetPooledContexts(len(p.byID))

	p.logger.Infow("audio context created",
		"context_id", ctx.ID(), "sample_rate", cfg.SampleRate, "latency_hint", cfg.LatencyHint, "pooled", len(p.byID))
	return ctx, nil
}

// Release decrements a context's reference count. The context stays pooled
// through the grace period so it can be re-acquired cheaply.
func (p *AudioPool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.byID[id]
	if !ok {
		p.logger.Warnw("release of unknown audio context", "context_id", id)
		return
	}

	entry.refCount--
	if entry.refCount < 0 {
		p.logger.Warnw("audio context over-released", "context_id", id)
		entry.refCount = 0
	}
	if entry.refCount == 0 {
		entry.releasedAt = time.Now()
	}

	p.logger.Debugw("audio context released", "context_id", id, "ref_count", entry.refCount)
}

// RefCount reports a context's current reference count, or -1 when the
// context is not pooled.
func (p *AudioPool) RefCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.byID[id]; ok {
		return entry.refCount
	}
	return -1
}

// Size reports how many contexts the pool currently holds.
func (p *AudioPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

func (p *AudioPool) sweepLoop() {
	ticker := time.NewTicker(p.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Sweep(time.Now())
		}
	}
}

// Sweep reaps contexts whose grace period ran out and contexts past max
// age. Exposed so tests can drive the clock directly.
func (p *AudioPool) Sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, entry := range p.byID {
		idle := entry.refCount == 0 && !entry.releasedAt.IsZero() &&
			now.Sub(entry.releasedAt) > p.gracePeriod
		tooOld := now.Sub(entry.createdAt) > p.maxAge

		if !idle && !tooOld {
			continue
		}

		if tooOld && entry.refCount > 0 {
			p.logger.Warnw("reaping over-age audio context with live references",
				"context_id", id, "ref_count", entry.refCount, "age", now.Sub(entry.createdAt))
		}

		entry.ctx.Close()
		delete(p.byID, id)
		// A retired entry's config slot may already point at its
		// replacement.
		if p.byCfg[entry.ctx.Config()] == entry {
			delete(p.byCfg, entry.ctx.Config())
		}
		p.logger.Infow("audio context reaped", "context_id", id, "pooled", len(p.byID))
	}
	p.metrics.SetPooledContexts(len(p.byID))
}

// Package gate decides which inbound events become jobs. It drops deliveries already
// seen, checks the actor permission and rate limits every actor on each thread.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/metrics"
	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/storage"
)

// GateConfig is the configuration of the Gate.
type GateConfig struct {
	EventRepository storage.EventRepository
	MinPermission   model.PermissionLevel
	// AllowExternal admits actors outside the repository and actors under the minimum permission.
	AllowExternal bool
	// RateLimit is the number of events per actor and thread in RateWindow, 0 disables it.
	RateLimit  int
	RateWindow time.Duration
	// DedupCacheSize is the in-memory delivery cache in front of the store.
	DedupCacheSize int
	// ProcessedRetention is how long the processed deliveries are kept in the store.
	ProcessedRetention time.Duration
	Clock              clockwork.Clock
	Metrics            metrics.Recorder
	Logger             log.Logger
}

func (c *GateConfig) defaults() error {
	if c.EventRepository == nil {
		return fmt.Errorf("event repository is required")
	}
	if c.MinPermission == "" {
		c.MinPermission = model.PermissionTriage
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit can't be negative")
	}
	if c.RateLimit > 0 && c.RateWindow <= 0 {
		c.RateWindow = time.Hour
	}
	if c.DedupCacheSize <= 0 {
		c.DedupCacheSize = 4096
	}
	if c.ProcessedRetention <= 0 {
		c.ProcessedRetention = 7 * 24 * time.Hour
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "gate.Gate"})
	return nil
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Gate is the access gate of the inbound events.
type Gate struct {
	events        storage.EventRepository
	minPermission model.PermissionLevel
	allowExternal bool
	rateLimit     int
	rateWindow    time.Duration
	retention     time.Duration
	seen          *lru.Cache[string, struct{}]
	clock         clockwork.Clock
	metrics       metrics.Recorder
	logger        log.Logger

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

// NewGate returns a new access gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	seen, err := lru.New[string, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("could not create dedup cache: %w", err)
	}

	return &Gate{
		events:        cfg.EventRepository,
		minPermission: cfg.MinPermission,
		allowExternal: cfg.AllowExternal,
		rateLimit:     cfg.RateLimit,
		rateWindow:    cfg.RateWindow,
		retention:     cfg.ProcessedRetention,
		seen:          seen,
		clock:         cfg.Clock,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		limiters:      map[string]*limiterEntry{},
	}, nil
}

// SubmitEvent decides if the event is accepted. A delivery is marked as processed
// when first seen, so a redelivery is always a duplicate even if it was rejected.
// Errors are only returned when the decision could not be made.
func (g *Gate) SubmitEvent(ctx context.Context, ev model.Event) (model.Decision, error) {
	d, err := g.decide(ctx, ev)
	if err != nil {
		g.metrics.IncEventDecision("error")
		return model.Decision{}, err
	}
	g.metrics.IncEventDecision(string(d.Kind))

	logger := g.logger.WithValues(log.Kv{"delivery-id": ev.DeliveryID, "thread-id": d.ThreadID, "actor": ev.Actor})
	switch d.Kind {
	case model.DecisionAccepted:
		logger.Infof("Event %s accepted", ev.Kind)
	case model.DecisionDuplicate:
		logger.Debugf("Event %s is a duplicate", ev.Kind)
	default:
		logger.Warningf("Event %s rejected: %s", ev.Kind, d.Reason)
	}

	return d, nil
}

func (g *Gate) decide(ctx context.Context, ev model.Event) (model.Decision, error) {
	if err := ev.Validate(); err != nil {
		return model.Decision{Kind: model.DecisionRejected, Reason: err.Error()}, nil
	}

	threadID, err := model.NormalizeThreadID(ev.ThreadRef)
	if err != nil {
		return model.Decision{Kind: model.DecisionRejected, Reason: err.Error()}, nil
	}

	if g.seen.Contains(ev.DeliveryID) {
		return model.Decision{Kind: model.DecisionDuplicate, ThreadID: threadID}, nil
	}
	now := g.clock.Now().UTC()
	if err := g.events.MarkEventProcessed(ctx, ev.DeliveryID, now); err != nil {
		if errors.Is(err, model.ErrAlreadyExists) {
			g.seen.Add(ev.DeliveryID, struct{}{})
			return model.Decision{Kind: model.DecisionDuplicate, ThreadID: threadID}, nil
		}
		return model.Decision{}, fmt.Errorf("could not mark delivery as processed: %s: %w", err, model.ErrStore)
	}
	g.seen.Add(ev.DeliveryID, struct{}{})

	if reason := g.checkPermission(ev); reason != "" {
		return model.Decision{Kind: model.DecisionRejected, ThreadID: threadID, Reason: reason}, nil
	}

	if !g.allow(ev.Actor+":"+threadID, now) {
		return model.Decision{Kind: model.DecisionRejected, ThreadID: threadID, Reason: fmt.Sprintf("rate limit of %d events per %s exceeded", g.rateLimit, g.rateWindow)}, nil
	}

	return model.Decision{Kind: model.DecisionAccepted, ThreadID: threadID}, nil
}

// checkPermission returns the rejection reason, empty if the actor is allowed.
func (g *Gate) checkPermission(ev model.Event) string {
	if g.allowExternal {
		return ""
	}
	if ev.External {
		return "not a collaborator"
	}
	if !ev.Permission.AtLeast(g.minPermission) {
		return fmt.Sprintf("insufficient permissions: %s < %s", ev.Permission, g.minPermission)
	}
	return ""
}

func (g *Gate) allow(key string, now time.Time) bool {
	if g.rateLimit <= 0 {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Every(g.rateWindow/time.Duration(g.rateLimit)), g.rateLimit)}
		g.limiters[key] = entry
	}
	entry.lastSeen = now

	return entry.limiter.AllowN(now, 1)
}

// Cleanup removes the processed deliveries older than the retention and the rate
// limiters not used for a whole window, those are full again anyway.
func (g *Gate) Cleanup(ctx context.Context) error {
	now := g.clock.Now().UTC()

	g.mu.Lock()
	for k, e := range g.limiters {
		if now.Sub(e.lastSeen) > g.rateWindow {
			delete(g.limiters, k)
		}
	}
	g.mu.Unlock()

	n, err := g.events.CleanupProcessedEvents(ctx, now.Add(-g.retention))
	if err != nil {
		return fmt.Errorf("could not cleanup processed events: %s: %w", err, model.ErrStore)
	}
	if n > 0 {
		g.logger.Infof("Removed %d processed deliveries older than %s", n, g.retention)
	}

	return nil
}

// RunCleanup runs Cleanup on every interval until the context is done.
func (g *Gate) RunCleanup(ctx context.Context, interval time.Duration) error {
	ticker := g.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := g.Cleanup(ctx); err != nil {
				g.logger.Errorf("Cleanup failed: %s", err)
			}
		}
	}
}

package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/spaces/internal/cache"
	"github.com/dkeye/spaces/internal/domain"
	"github.com/dkeye/spaces/internal/metrics"
	"github.com/dkeye/spaces/internal/store"
)

// Persister writes committed changes behind the registry on one goroutine,
// so no store or cache I/O ever runs inside a room's critical section.
type Persister struct {
	store   store.SpaceStore
	cache   cache.SummaryCache
	metrics *metrics.Metrics
	queue   chan domain.Change
	timeout time.Duration
}

func NewPersister(st store.SpaceStore, c cache.SummaryCache, m *metrics.Metrics, size int) *Persister {
	if size <= 0 {
		size = 1024
	}
	if c == nil {
		c = cache.Nop{}
	}
	return &Persister{
		store:   st,
		cache:   c,
		metrics: m,
		queue:   make(chan domain.Change, size),
		timeout: 5 * time.Second,
	}
}

// Enqueue never blocks; a full queue drops the change and reports false.
func (p *Persister) Enqueue(c domain.Change) bool {
	select {
	case p.queue <- c:
		return true
	default:
		p.metrics.PersistFailed("queue_full")
		log.Error().Str("module", "app.persist").Str("space", string(c.SpaceID)).Str("kind", string(c.Kind)).Msg("persist queue full, change dropped")
		return false
	}
}

// Run applies queued changes until ctx is done, then drains what is left.
func (p *Persister) Run(ctx context.Context) error {
	for {
		select {
		case c := <-p.queue:
			p.apply(c)
		case <-ctx.Done():
			for {
				select {
				case c := <-p.queue:
					p.apply(c)
				default:
					return nil
				}
			}
		}
	}
}

func (p *Persister) apply(c domain.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.write(ctx, c); err != nil {
		p.metrics.PersistFailed(string(c.Kind))
		log.Error().Err(err).Str("module", "app.persist").Str("space", string(c.SpaceID)).Str("kind", string(c.Kind)).Msg("persist failed")
	}

	var err error
	if c.Kind == domain.ChangeEnded {
		err = p.cache.Delete(ctx, c.SpaceID)
	} else {
		err = p.cache.Set(ctx, cache.SummaryOf(c.Snapshot))
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "app.persist").Str("space", string(c.SpaceID)).Msg("summary cache write failed")
	}
}

func (p *Persister) write(ctx context.Context, c domain.Change) error {
	switch c.Kind {
	case domain.ChangeCreated:
		return p.store.CreateSpace(ctx, c.Space)
	case domain.ChangeStarted:
		return p.store.StartSpace(ctx, c.Space)
	case domain.ChangeEnded:
		return p.store.EndSpace(ctx, c.Space)
	case domain.ChangeJoined:
		if pt, ok := c.Snapshot.Participant(c.Actor); ok {
			if err := p.store.JoinSpace(ctx, c.SpaceID, pt); err != nil {
				return err
			}
		}
		return p.store.UpdateSpace(ctx, c.Space)
	case domain.ChangeLeft:
		if err := p.store.LeaveSpace(ctx, c.SpaceID, c.Actor, c.Snapshot.At); err != nil {
			return err
		}
		return p.store.UpdateSpace(ctx, c.Space)
	}
	return nil
}

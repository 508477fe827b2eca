package storage

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/canonica-labs/querycache/internal/cache"
)

// Persister writes cache transitions to a Repository. Subscribe its
// Observe method to the cache. Write failures are logged, not returned:
// a lost write only costs a revalidation at the next restart.
//
// Writes are serialized, and an event older than the last one written
// for the same key is discarded, so the store follows transition order
// even when events arrive out of order.
type Persister struct {
	repo    Repository
	logger  logrus.FieldLogger
	timeout time.Duration

	mu      sync.Mutex
	written map[string]uint64 // cache key -> Seq of the last event written
}

// NewPersister creates a persister writing to repo.
func NewPersister(repo Repository, logger logrus.FieldLogger) *Persister {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Persister{
		repo:    repo,
		logger:  logger.WithField("component", "cache-persister"),
		timeout: 5 * time.Second,
		written: make(map[string]uint64),
	}
}

// Observe stores or deletes the entry an event describes.
func (p *Persister) Observe(ev cache.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if last, ok := p.written[ev.Entry.Key]; ok && last >= ev.Seq {
		p.logger.WithFields(logrus.Fields{
			"cache": ev.Entry.Name,
			"event": ev.Kind,
			"seq":   ev.Seq,
		}).Debug("skipping superseded cache event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var err error
	if ev.Kind == cache.EventDropped {
		err = p.repo.DeleteCache(ctx, ev.Entry.Name, ev.Seq)
	} else {
		err = p.repo.SaveCache(ctx, ev.Entry)
	}
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"cache": ev.Entry.Name,
			"event": ev.Kind,
		}).Error("failed to persist cache entry")
		return
	}
	p.written[ev.Entry.Key] = ev.Seq
}

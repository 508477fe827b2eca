// Package status reports whether a querycache instance can serve
// statements. Components are probed concurrently with a shared deadline.
package status

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/canonica-labs/querycache/internal/cache"
)

// StatusResult represents the result of a status check.
type StatusResult struct {
	Ready      bool                       `json:"ready"`
	Reason     string                     `json:"reason,omitempty"`
	Components map[string]ComponentStatus `json:"components"`

	CatalogVersion uint64      `json:"catalog_version"`
	Cache          cache.Stats `json:"cache"`
	Sessions       int         `json:"sessions"`
	Invalidations  uint64      `json:"invalidations"`

	CheckedAt time.Time `json:"checked_at"`
}

// ComponentStatus represents the status of a component.
type ComponentStatus struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message"`
}

// StatusChecker provides status checking functionality.
type StatusChecker interface {
	GetStatus(ctx context.Context) (*StatusResult, error)
}

// Probe checks one component. A nil error means ready.
type Probe func(ctx context.Context) error

// Info is the non-probed part of a status report.
type Info struct {
	CatalogVersion uint64
	Cache          cache.Stats
	Sessions       int
	Invalidations  uint64
}

// Checker implements StatusChecker over named probes.
type Checker struct {
	probes  map[string]Probe
	info    func() Info
	timeout time.Duration
}

// NewChecker creates a checker. info may be nil.
func NewChecker(info func() Info, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{probes: make(map[string]Probe), info: info, timeout: timeout}
}

// Add registers a probe under name. Not safe to call concurrently with
// GetStatus.
func (c *Checker) Add(name string, p Probe) *Checker {
	c.probes[name] = p
	return c
}

// GetStatus runs every probe. It never returns an error for a failed
// probe; the failure is reported in the result.
func (c *Checker) GetStatus(ctx context.Context) (*StatusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	outcomes := make([]ComponentStatus, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, probe := i, c.probes[name]
		g.Go(func() error {
			if err := probe(gctx); err != nil {
				outcomes[i] = ComponentStatus{Message: err.Error()}
				return nil
			}
			outcomes[i] = ComponentStatus{Ready: true, Message: "ok"}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &StatusResult{
		Ready:      true,
		Components: make(map[string]ComponentStatus, len(names)),
		CheckedAt:  time.Now().UTC(),
	}
	for i, name := range names {
		result.Components[name] = outcomes[i]
		if !outcomes[i].Ready && result.Ready {
			result.Ready = false
			result.Reason = fmt.Sprintf("%s not ready: %s", name, outcomes[i].Message)
		}
	}
	if c.info != nil {
		info := c.info()
		result.CatalogVersion = info.CatalogVersion
		result.Cache = info.Cache
		result.Sessions = info.Sessions
		result.Invalidations = info.Invalidations
	}
	return result, nil
}

// String renders the result for terminals.
func (r *StatusResult) String() string {
	var sb strings.Builder
	if r.Ready {
		sb.WriteString("Status: ready\n")
	} else {
		fmt.Fprintf(&sb, "Status: NOT READY (%s)\n", r.Reason)
	}

	names := make([]string, 0, len(r.Components))
	for name := range r.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := r.Components[name]
		mark := "ok"
		if !c.Ready {
			mark = "FAIL"
		}
		fmt.Fprintf(&sb, "  %-10s %-4s %s\n", name, mark, c.Message)
	}

	fmt.Fprintf(&sb, "Catalog version: %d\n", r.CatalogVersion)
	fmt.Fprintf(&sb, "Caches: %d (valid %d, stale %d, fallback %d, memoized results %d)\n",
		r.Cache.Total, r.Cache.Valid, r.Cache.Stale, r.Cache.Fallback, r.Cache.Memoized)
	fmt.Fprintf(&sb, "Sessions: %d\n", r.Sessions)
	fmt.Fprintf(&sb, "Invalidations: %d\n", r.Invalidations)
	return sb.String()
}

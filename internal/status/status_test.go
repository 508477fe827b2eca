package status

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/canonica-labs/querycache/internal/cache"
)

func TestGetStatus(t *testing.T) {
	testCases := []struct {
		name       string
		probes     map[string]Probe
		wantReady  bool
		wantReason string
	}{
		{
			name:      "no probes",
			probes:    nil,
			wantReady: true,
		},
		{
			name: "all healthy",
			probes: map[string]Probe{
				"backend": func(context.Context) error { return nil },
				"storage": func(context.Context) error { return nil },
			},
			wantReady: true,
		},
		{
			name: "storage down",
			probes: map[string]Probe{
				"backend": func(context.Context) error { return nil },
				"storage": func(context.Context) error { return errors.New("connection refused") },
			},
			wantReady:  false,
			wantReason: "storage not ready: connection refused",
		},
		{
			name: "first failure in name order wins",
			probes: map[string]Probe{
				"backend": func(context.Context) error { return errors.New("down") },
				"storage": func(context.Context) error { return errors.New("down") },
			},
			wantReady:  false,
			wantReason: "backend not ready: down",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewChecker(nil, time.Second)
			for name, p := range tc.probes {
				c.Add(name, p)
			}
			result, err := c.GetStatus(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Ready != tc.wantReady {
				t.Errorf("Ready = %v, want %v", result.Ready, tc.wantReady)
			}
			if result.Reason != tc.wantReason {
				t.Errorf("Reason = %q, want %q", result.Reason, tc.wantReason)
			}
			if len(result.Components) != len(tc.probes) {
				t.Errorf("components = %d, want %d", len(result.Components), len(tc.probes))
			}
		})
	}
}

func TestProbeHonoursTimeout(t *testing.T) {
	c := NewChecker(nil, 20*time.Millisecond).Add("backend", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	result, err := c.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Ready {
		t.Error("hung probe reported ready")
	}
}

func TestInfoIsReported(t *testing.T) {
	c := NewChecker(func() Info {
		return Info{CatalogVersion: 7, Cache: cache.Stats{Total: 2, Valid: 1, Stale: 1}, Sessions: 3}
	}, 0)
	result, _ := c.GetStatus(context.Background())
	if result.CatalogVersion != 7 || result.Cache.Stale != 1 || result.Sessions != 3 {
		t.Errorf("result = %+v", result)
	}

	out := result.String()
	for _, want := range []string{"Status: ready", "Catalog version: 7", "stale 1", "Sessions: 3"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

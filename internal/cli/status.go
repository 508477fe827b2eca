package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/canonica-labs/querycache/internal/errors"
)

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long: `Display component readiness and cache state.

Shows:
  - Backend and storage readiness
  - Catalog version
  - Caches per state
  - Open sessions and invalidations so far

Exits non-zero when a component is not ready.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runStatus(cmd.Context())
		},
	}
}

func (c *CLI) runStatus(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	r, err := c.newRunner(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	result, err := r.Status(ctx)
	if err != nil {
		return err
	}
	if c.jsonOutput {
		if err := c.outputJSON(result); err != nil {
			return err
		}
	} else {
		c.printf("%s", result.String())
	}

	if !result.Ready {
		return &errors.QueryError{
			Code:       errors.CodeEngine,
			Message:    "querycache is not ready",
			Reason:     result.Reason,
			Suggestion: "run 'querycache doctor' to diagnose the failing component",
		}
	}
	return nil
}

func (c *CLI) newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show statement statistics",
		Long: `Display aggregated statement statistics.

  - Statements served from cache vs upstream
  - Stale caches served upstream (fallbacks)
  - Top errors
  - Top tables

No row data is exposed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.newRunner(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			summary, err := r.Summary(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.outputJSON(summary)
			}

			c.println("Statement Summary:")
			c.printf("  Statements: %d\n", summary.Statements)
			c.printf("  Cache hits: %d\n", summary.CacheHits)
			c.printf("  Upstream:   %d\n", summary.Upstream)
			c.printf("  Fallbacks:  %d\n", summary.Fallbacks)
			c.printf("  Errors:     %d\n", summary.Errors)

			if len(summary.TopErrors) > 0 {
				c.println("\nTop Errors:")
				for _, e := range summary.TopErrors {
					c.printf("  - %s: %d\n", e.Error, e.Count)
				}
			}
			if len(summary.TopTables) > 0 {
				c.println("\nTop Tables:")
				for _, t := range summary.TopTables {
					c.printf("  - %s: %d\n", t.Table, t.Count)
				}
			}
			return nil
		},
	}
}

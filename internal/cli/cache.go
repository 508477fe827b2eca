package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func (c *CLI) newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and drop caches",
		Long: `Inspect and drop named query caches.

Caches are created with CREATE CACHE through exec or the shell. A cache
is valid while its query resolves as it did at creation, stale once DDL
changes that, and fallback while a stale cache is being served upstream.`,
	}

	cmd.AddCommand(c.newCacheListCmd())
	cmd.AddCommand(c.newCacheShowCmd())
	cmd.AddCommand(c.newCacheDropCmd())

	return cmd
}

func (c *CLI) newCacheListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List caches",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.newRunner(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()
			return c.listCaches(cmd.Context(), r)
		},
	}
}

func (c *CLI) listCaches(ctx context.Context, r runner) error {
	caches, err := r.Caches(ctx)
	if err != nil {
		return err
	}
	if c.jsonOutput {
		return c.outputJSON(map[string]interface{}{"caches": caches})
	}
	if len(caches) == 0 {
		c.println("No caches")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tHITS\tFALLBACKS\tDEPENDS ON\tQUERY")
	fmt.Fprintln(w, "----\t-----\t----\t---------\t----------\t-----")
	for _, e := range caches {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			e.Name, e.State, e.Hits, e.Fallbacks,
			strings.Join(e.Dependencies, ","), truncateString(e.Query, 48))
	}
	return w.Flush()
}

func (c *CLI) newCacheShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.newRunner(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			e, err := r.Cache(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.outputJSON(e)
			}

			c.printf("Cache: %s\n", e.Name)
			c.printf("  State:        %s\n", e.State)
			if e.StaleReason != "" {
				c.printf("  Stale reason: %s\n", e.StaleReason)
			}
			c.printf("  Query:        %s\n", e.Query)
			if e.QualifiedSQL != "" {
				c.printf("  Qualified:    %s\n", e.QualifiedSQL)
			}
			c.printf("  Search path:  %s\n", strings.Join(e.SearchPath, ", "))
			c.printf("  Depends on:   %s\n", strings.Join(e.Dependencies, ", "))
			if e.Backend != "" {
				c.printf("  Backend:      %s\n", e.Backend)
			}
			c.printf("  Hits:         %d\n", e.Hits)
			c.printf("  Fallbacks:    %d\n", e.Fallbacks)
			c.printf("  Created:      %s\n", e.CreatedAt.Format(time.RFC3339))
			c.printf("  Updated:      %s\n", e.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func (c *CLI) newCacheDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <name>",
		Short: "Drop a cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.newRunner(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			res, err := r.DropCache(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.outputJSON(res)
			}
			c.printf("✓ Dropped cache %s\n", args[0])
			return nil
		},
	}
}

package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func (c *CLI) newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Schema catalog commands",
		Long: `Inspect the schema catalog and import it from the backend.

The catalog holds the schemas and tables that names resolve against.
It changes through DDL statements or through 'catalog sync', which reads
the backend's information_schema.`,
	}

	cmd.AddCommand(c.newCatalogShowCmd())
	cmd.AddCommand(c.newCatalogSyncCmd())

	return cmd
}

func (c *CLI) newCatalogShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show schemas, tables and columns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.newRunner(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()
			return c.showCatalog(cmd.Context(), r)
		},
	}
}

func (c *CLI) showCatalog(ctx context.Context, r runner) error {
	cat, err := r.Catalog(ctx)
	if err != nil {
		return err
	}
	if c.jsonOutput {
		return c.outputJSON(cat)
	}

	c.printf("Catalog version %d\n", cat.Version)
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCHEMA\tTABLE\tCOLUMNS")
	fmt.Fprintln(w, "------\t-----\t-------")
	for _, s := range cat.Schemas {
		if len(s.Tables) == 0 {
			fmt.Fprintf(w, "%s\t-\t-\n", s.Name)
			continue
		}
		for _, t := range s.Tables {
			cols := make([]string, len(t.Columns))
			for i, col := range t.Columns {
				cols[i] = col.Name + " " + col.Type
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, t.Name, truncateString(strings.Join(cols, ", "), 64))
		}
	}
	return w.Flush()
}

func (c *CLI) newCatalogSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Import schemas and tables from the backend",
		Long: `Import schemas and tables from the backend's information_schema.

Existing tables are kept and only missing objects are created. An
imported table that shadows a cache dependency marks that cache stale,
as the equivalent CREATE TABLE would. Schemas are filtered by
catalog.include_schemas and catalog.exclude_schemas.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.newRunner(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			result, err := r.SyncCatalog(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.outputJSON(result)
			}

			c.println("Catalog Sync Results")
			c.println("====================")
			c.printf("  Schemas created: %d\n", result.SchemasCreated)
			c.printf("  Tables created:  %d\n", result.TablesCreated)
			c.printf("  Tables skipped:  %d\n", result.TablesSkipped)
			for _, e := range result.Errors {
				c.errorf("  ✗ %s\n", e)
			}
			return nil
		},
	}
}

package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/canonica-labs/querycache/internal/bootstrap"
)

const defaultBootstrapFile = "querycache.yaml"

func (c *CLI) newBootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Declarative schemas and caches",
		Long: `Declare schemas, tables and caches in a YAML file and apply it.

Commands:
  init     - Generate an example file
  validate - Check a file without changing anything
  apply    - Create what the file declares`,
	}

	cmd.AddCommand(c.newBootstrapInitCmd())
	cmd.AddCommand(c.newBootstrapValidateCmd())
	cmd.AddCommand(c.newBootstrapApplyCmd())

	return cmd
}

func (c *CLI) newBootstrapInitCmd() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate an example bootstrap file",
		Long: `Generate an example bootstrap file.

This command does NOT modify system state - it only creates a template file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBootstrapInit(outputDir)
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", ".", "output directory for the bootstrap file")

	return cmd
}

func (c *CLI) runBootstrapInit(outputDir string) error {
	path, err := bootstrap.NewBootstrapper(nil).Init(outputDir)
	if err != nil {
		return err
	}
	absPath, _ := filepath.Abs(path)

	if c.jsonOutput {
		return c.outputJSON(map[string]interface{}{
			"status": "created",
			"path":   absPath,
		})
	}

	c.printf("✓ Bootstrap file created: %s\n", absPath)
	c.println("\nNext steps:")
	c.println("  1. Edit the file to declare your schemas and caches")
	c.println("  2. Run 'querycache bootstrap validate' to check it")
	c.println("  3. Run 'querycache bootstrap apply' to apply it")
	return nil
}

func (c *CLI) newBootstrapValidateCmd() *cobra.Command {
	var (
		file string
		live bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a bootstrap file",
		Long: `Validate a bootstrap file without changing anything.

Checks identifiers, duplicate names and that every cache query resolves
against the declared schemas. With --live the file is also checked
against the running catalog and the planned changes are shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBootstrapValidate(cmd, file, live)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", defaultBootstrapFile, "bootstrap file path")
	cmd.Flags().BoolVar(&live, "live", false, "also validate against the running catalog")

	return cmd
}

func (c *CLI) runBootstrapValidate(cmd *cobra.Command, file string, live bool) error {
	c.debugf("Validating bootstrap file: %s\n", file)

	cfg, err := bootstrap.LoadConfig(file)
	if err != nil {
		return err
	}
	if err := cfg.Validate(nil); err != nil {
		return err
	}

	var plan *bootstrap.ApplyResult
	if live {
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		r, err := c.newRunner(cmd.Context())
		if err != nil {
			return err
		}
		defer r.Close()
		if plan, err = r.Bootstrap(cmd.Context(), data, true, false); err != nil {
			return err
		}
	}

	tables := 0
	for _, s := range cfg.Schemas {
		tables += len(s.Tables)
	}

	if c.jsonOutput {
		out := map[string]interface{}{
			"status":       "valid",
			"path":         file,
			"schema_count": len(cfg.Schemas),
			"table_count":  tables,
			"cache_count":  len(cfg.Caches),
		}
		if plan != nil {
			out["changes"] = plan.Changes
		}
		return c.outputJSON(out)
	}

	c.printf("✓ Bootstrap file is valid: %s\n", file)
	c.println("\nSummary:")
	c.printf("  Schemas: %d\n", len(cfg.Schemas))
	c.printf("  Tables:  %d\n", tables)
	c.printf("  Caches:  %d\n", len(cfg.Caches))
	if plan != nil {
		c.printChanges(plan.Changes)
	}
	return nil
}

func (c *CLI) newBootstrapApplyCmd() *cobra.Command {
	var (
		file    string
		confirm bool
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a bootstrap file",
		Long: `Apply a bootstrap file.

  - Apply is idempotent: applying the same file again refreshes caches
  - Replacing the query of an existing cache is destructive and needs --confirm
  - Any validation failure blocks apply`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBootstrapApply(cmd, file, confirm, dryRun)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", defaultBootstrapFile, "bootstrap file path")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm destructive changes")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be changed without applying")

	return cmd
}

func (c *CLI) runBootstrapApply(cmd *cobra.Command, file string, confirm, dryRun bool) error {
	c.debugf("Applying bootstrap file: %s\n", file)

	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	r, err := c.newRunner(cmd.Context())
	if err != nil {
		return err
	}
	defer r.Close()

	result, err := r.Bootstrap(cmd.Context(), data, dryRun, confirm)
	if err != nil {
		return err
	}
	if c.jsonOutput {
		return c.outputJSON(result)
	}

	c.printChanges(result.Changes)
	if dryRun {
		c.println("\nNo changes were made.")
		return nil
	}
	c.printf("\n✓ Applied %d statement%s\n", len(result.Statements), plural(len(result.Statements)))
	if c.debug {
		for _, stmt := range result.Statements {
			c.debugf("  %s\n", stmt)
		}
	}
	return nil
}

func (c *CLI) printChanges(changes []bootstrap.ConfigChange) {
	if len(changes) == 0 {
		c.println("\nNo changes: everything declared already exists.")
		return
	}
	c.println("\nPlanned changes:")
	for _, ch := range changes {
		mark := " "
		if ch.Destructive() {
			mark = "!"
		}
		line := "  " + mark + " " + string(ch.Type) + " " + ch.Object + " " + ch.Name
		if ch.Detail != "" {
			line += " (" + ch.Detail + ")"
		}
		c.println(line)
	}
}

// Package cli provides the querycache command-line interface.
//
// Commands run against a gateway by default. With --local they run on an
// instance assembled in-process from the configuration file, which is how
// the shell is used without a server.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/canonica-labs/querycache/internal/backend"
	"github.com/canonica-labs/querycache/internal/config"
	"github.com/canonica-labs/querycache/internal/errors"
)

// Exit codes. Each error code maps onto one of them.
const (
	ExitSuccess    = 0
	ExitValidation = 1
	ExitAuth       = 2
	ExitEngine     = 3
	ExitInternal   = 4
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// CLI holds the command-line interface state.
type CLI struct {
	rootCmd *cobra.Command
	cfg     *config.Config

	out    io.Writer
	errOut io.Writer
	in     io.Reader

	// Global flags
	configPath string
	endpoint   string
	token      string
	jsonOutput bool
	quiet      bool
	debug      bool
	local      bool
	searchPath []string

	// localBackend replaces the configured backend in local mode.
	localBackend backend.Backend
}

// New creates a new CLI instance.
func New() *CLI {
	cli := &CLI{out: os.Stdout, errOut: os.Stderr, in: os.Stdin}
	cli.rootCmd = cli.newRootCmd()
	return cli
}

// SetIO redirects the CLI's streams.
func (c *CLI) SetIO(in io.Reader, out, errOut io.Writer) {
	c.in, c.out, c.errOut = in, out, errOut
	c.rootCmd.SetIn(in)
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(errOut)
}

// SetArgs sets the arguments Execute parses instead of os.Args.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// Execute runs the CLI and returns the process exit code.
func (c *CLI) Execute() int {
	err := c.rootCmd.ExecuteContext(context.Background())
	if err == nil {
		return ExitSuccess
	}
	if c.jsonOutput {
		enc := json.NewEncoder(c.errOut)
		enc.SetIndent("", "  ")
		enc.Encode(errorOutput(err))
	} else {
		c.errorf("Error: %v\n", err)
	}
	return ExitCode(err)
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch errors.CodeOf(err) {
	case errors.CodeValidation, errors.CodeNotFound, errors.CodeConflict, errors.CodeStale:
		return ExitValidation
	case errors.CodeAuth:
		return ExitAuth
	case errors.CodeEngine:
		return ExitEngine
	}
	return ExitInternal
}

func (c *CLI) newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "querycache",
		Short: "querycache - schema-aware SQL query cache",
		Long: `querycache keeps named caches of SQL query results in front of an
upstream engine and tracks the schema catalog so that a cache is never
served after DDL has changed what its query refers to.

Statements run in a session with a search path. Unqualified table names
resolve against that path, and a cache whose resolution would change is
marked stale and bypassed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.initConfig()
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default: ~/.querycache/config.yaml)")
	cmd.PersistentFlags().StringVar(&c.endpoint, "endpoint", "", "gateway endpoint")
	cmd.PersistentFlags().StringVar(&c.token, "token", "", "auth token (overrides config)")
	cmd.PersistentFlags().BoolVar(&c.jsonOutput, "json", false, "machine-readable JSON output")
	cmd.PersistentFlags().BoolVar(&c.quiet, "quiet", false, "suppress non-essential output")
	cmd.PersistentFlags().BoolVar(&c.debug, "debug", false, "verbose debug logs")
	cmd.PersistentFlags().BoolVar(&c.local, "local", false, "run against an in-process instance instead of a gateway")
	cmd.PersistentFlags().StringSliceVar(&c.searchPath, "search-path", nil, "initial search path of the session")

	cmd.AddCommand(c.newAuthCmd())
	cmd.AddCommand(c.newExecCmd())
	cmd.AddCommand(c.newShellCmd())
	cmd.AddCommand(c.newCacheCmd())
	cmd.AddCommand(c.newCatalogCmd())
	cmd.AddCommand(c.newBootstrapCmd())
	cmd.AddCommand(c.newStatusCmd())
	cmd.AddCommand(c.newSummaryCmd())
	cmd.AddCommand(c.newDoctorCmd())
	cmd.AddCommand(c.newVersionCmd())

	return cmd
}

func (c *CLI) initConfig() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return errors.NewBootstrapError("invalid configuration", err.Error(), "fix the config file or the QUERYCACHE_* environment")
	}
	c.cfg = cfg

	// Override with flags
	if c.endpoint != "" {
		c.cfg.Endpoint = c.endpoint
	}
	if c.token != "" {
		c.cfg.Auth.Token = c.token
	}

	return nil
}

// Helper functions for output

func (c *CLI) printf(format string, args ...interface{}) {
	if !c.quiet {
		fmt.Fprintf(c.out, format, args...)
	}
}

func (c *CLI) println(args ...interface{}) {
	if !c.quiet {
		fmt.Fprintln(c.out, args...)
	}
}

func (c *CLI) errorf(format string, args ...interface{}) {
	fmt.Fprintf(c.errOut, format, args...)
}

func (c *CLI) debugf(format string, args ...interface{}) {
	if c.debug {
		fmt.Fprintf(c.errOut, "[DEBUG] "+format, args...)
	}
}

// newGatewayClient creates a new gateway client with current config.
func (c *CLI) newGatewayClient() *GatewayClient {
	return NewGatewayClient(c.cfg.Endpoint, c.getToken())
}

package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/internal/sql"
)

func (c *CLI) newExecCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "exec [SQL...]",
		Short: "Execute statements",
		Long: `Execute one or more statements in a single session.

Each argument is one statement. With --file, the file is split on
semicolons; "-" reads standard input. Statements run in order and stop
at the first error, so a SET search_path affects those after it.

Examples:
  querycache exec "SELECT * FROM orders"
  querycache exec "SET search_path = sales, public" "CREATE CACHE hot FROM SELECT * FROM orders"
  querycache exec --local --file schema.sql`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stmts, err := c.collectStatements(args, file)
			if err != nil {
				return err
			}
			return c.runExec(cmd, stmts)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "read statements from a file (- for stdin)")

	return cmd
}

func (c *CLI) collectStatements(args []string, file string) ([]string, error) {
	stmts := append([]string{}, args...)
	if file != "" {
		var data []byte
		var err error
		if file == "-" {
			data, err = io.ReadAll(c.in)
		} else {
			data, err = os.ReadFile(file)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		parts, err := sql.SplitStatements(string(data))
		if err != nil {
			return nil, errors.NewQueryRejected("", err.Error(), "check quoting and parentheses in the script")
		}
		stmts = append(stmts, parts...)
	}

	out := stmts[:0]
	for _, s := range stmts {
		if s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), ";")); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, errors.NewQueryRejected("", "no statements given", "pass SQL as arguments or with --file")
	}
	return out, nil
}

func (c *CLI) runExec(cmd *cobra.Command, stmts []string) error {
	ctx := cmd.Context()
	r, err := c.newRunner(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, stmt := range stmts {
		c.debugf("executing: %s\n", stmt)
		res, err := r.Execute(ctx, stmt)
		if err != nil {
			return err
		}
		c.printStatement(res)
	}
	return nil
}

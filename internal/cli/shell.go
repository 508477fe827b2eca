package cli

import (
	"bufio"
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/canonica-labs/querycache/internal/sql"
	"github.com/canonica-labs/querycache/pkg/models"
)

func (c *CLI) newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive SQL shell",
		Long: `Start an interactive shell on one session.

Statements end with a semicolon and may span lines. The session keeps
its search path between statements.

Meta commands:
  \path     show the session's search path
  \caches   list caches
  \catalog  show the catalog
  \q        quit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runShell(cmd.Context())
		},
	}
}

func (c *CLI) runShell(ctx context.Context) error {
	r, err := c.newRunner(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var pending strings.Builder
	c.prompt(pending.Len() > 0)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if pending.Len() == 0 && strings.HasPrefix(line, `\`) {
			if quit := c.runMeta(ctx, r, line); quit {
				return nil
			}
			c.prompt(false)
			continue
		}

		if line != "" {
			pending.WriteString(line)
			pending.WriteString("\n")
		}
		if !strings.HasSuffix(line, ";") {
			c.prompt(pending.Len() > 0)
			continue
		}

		stmts, err := sql.SplitStatements(pending.String())
		pending.Reset()
		if err != nil {
			c.errorf("Error: %v\n", err)
			c.prompt(false)
			continue
		}
		for _, stmt := range stmts {
			res, err := r.Execute(ctx, stmt)
			if err != nil {
				// The shell reports errors and keeps the session.
				c.errorf("Error: %v\n", err)
				break
			}
			c.printStatement(res)
		}
		c.prompt(false)
	}
	return scanner.Err()
}

func (c *CLI) prompt(continuation bool) {
	if c.jsonOutput {
		return
	}
	if continuation {
		c.printf("     -> ")
	} else {
		c.printf("querycache> ")
	}
}

// runMeta runs a backslash command and reports whether to quit.
func (c *CLI) runMeta(ctx context.Context, r runner, line string) bool {
	var err error
	switch strings.Fields(line)[0] {
	case `\q`, `\quit`:
		return true
	case `\path`:
		var s *models.SessionInfo
		if s, err = r.Session(ctx); err == nil {
			c.println(strings.Join(s.SearchPath, ", "))
		}
	case `\caches`:
		err = c.listCaches(ctx, r)
	case `\catalog`:
		err = c.showCatalog(ctx, r)
	default:
		c.errorf("unknown command %s (try \\q, \\path, \\caches, \\catalog)\n", line)
	}
	if err != nil {
		c.errorf("Error: %v\n", err)
	}
	return false
}

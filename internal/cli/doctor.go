package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func (c *CLI) newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run system diagnostics",
		Long: `Run system diagnostics.

Checks:
  - configuration
  - authentication
  - gateway connectivity (or instance assembly with --local)
  - backend and storage readiness`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runDoctor(cmd.Context())
		},
	}
}

// DiagnosticCheck represents a single diagnostic check result.
type DiagnosticCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (c *CLI) runDoctor(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	checks := []DiagnosticCheck{c.checkConfig()}
	if !c.local {
		checks = append(checks, c.checkAuth(ctx))
	}
	checks = append(checks, c.checkComponents(ctx)...)

	allPassed := true
	for _, check := range checks {
		if !check.Passed {
			allPassed = false
		}
	}

	if c.jsonOutput {
		return c.outputJSON(map[string]interface{}{
			"checks":     checks,
			"all_passed": allPassed,
		})
	}

	c.println("querycache System Diagnostics")
	c.println("=============================")
	c.println("")
	for _, check := range checks {
		c.printCheck(check)
	}
	c.println("")
	if allPassed {
		c.println("✓ All checks passed")
	} else {
		c.println("✗ Some checks failed - see above for details")
	}
	return nil
}

func (c *CLI) printCheck(check DiagnosticCheck) {
	status := "✗"
	if check.Passed {
		status = "✓"
	}
	c.printf("%s %s: %s\n", status, check.Name, check.Message)
	if check.Details != "" && !check.Passed {
		c.printf("  → %s\n", check.Details)
	}
}

func (c *CLI) checkConfig() DiagnosticCheck {
	check := DiagnosticCheck{Name: "Configuration"}

	if c.cfg == nil {
		check.Message = "No configuration loaded"
		check.Details = "Create ~/.querycache/config.yaml or use --config flag"
		return check
	}
	if !c.local && c.cfg.Endpoint == "" {
		check.Message = "No endpoint configured"
		check.Details = "Set endpoint in config, use --endpoint, or run with --local"
		return check
	}

	check.Passed = true
	if c.local {
		check.Message = fmt.Sprintf("Local mode, backend %s, stale mode %s", c.cfg.Backend.Driver, c.cfg.Cache.StaleMode)
	} else {
		check.Message = fmt.Sprintf("Endpoint: %s", c.cfg.Endpoint)
	}
	return check
}

func (c *CLI) checkAuth(ctx context.Context) DiagnosticCheck {
	check := DiagnosticCheck{Name: "Authentication"}

	if c.getToken() == "" {
		check.Message = "Not authenticated"
		check.Details = "Run 'querycache auth login' to authenticate"
		return check
	}
	status, err := c.newGatewayClient().AuthStatus(ctx)
	if err != nil {
		check.Message = "Token rejected or gateway unreachable"
		check.Details = firstLine(err)
		return check
	}

	check.Passed = true
	check.Message = fmt.Sprintf("%s (roles: %v, token source: %s)", status.UserName, status.Roles, c.getTokenSource())
	return check
}

// checkComponents reports the connection to the instance followed by
// each component of its status.
func (c *CLI) checkComponents(ctx context.Context) []DiagnosticCheck {
	conn := DiagnosticCheck{Name: "Gateway Connectivity"}
	if c.local {
		conn.Name = "Local Instance"
	}

	r, err := c.newRunner(ctx)
	if err != nil {
		conn.Message = "Cannot start instance"
		conn.Details = firstLine(err)
		return []DiagnosticCheck{conn}
	}
	defer r.Close()

	result, err := r.Status(ctx)
	if err != nil {
		conn.Message = "Status unavailable"
		conn.Details = firstLine(err)
		return []DiagnosticCheck{conn}
	}
	conn.Passed = true
	conn.Message = fmt.Sprintf("catalog version %d, %d cache(s)", result.CatalogVersion, result.Cache.Total)
	if !c.local {
		conn.Message = fmt.Sprintf("Connected to %s, %s", c.cfg.Endpoint, conn.Message)
	}

	checks := []DiagnosticCheck{conn}
	for _, name := range sortedKeys(result.Components) {
		comp := result.Components[name]
		checks = append(checks, DiagnosticCheck{
			Name:    "Component " + name,
			Passed:  comp.Ready,
			Message: comp.Message,
		})
	}
	if result.Cache.Stale > 0 {
		checks = append(checks, DiagnosticCheck{
			Name:    "Stale Caches",
			Passed:  true,
			Message: fmt.Sprintf("%d stale cache(s) are served upstream until recreated", result.Cache.Stale),
		})
	}
	return checks
}

package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/canonica-labs/querycache/internal/errors"
)

func (c *CLI) newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authentication commands",
		Long:  `Manage authentication with the querycache gateway.`,
	}

	cmd.AddCommand(c.newAuthLoginCmd())
	cmd.AddCommand(c.newAuthStatusCmd())
	cmd.AddCommand(c.newAuthLogoutCmd())

	return cmd
}

func (c *CLI) newAuthLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store a gateway token",
		Long: `Verify a static token against the gateway and store it locally.

The token is read from --token or prompted for.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runAuthLogin(cmd)
		},
	}
}

func (c *CLI) runAuthLogin(cmd *cobra.Command) error {
	token := c.token
	if token == "" {
		c.printf("Enter authentication token: ")
		line, err := bufio.NewReader(c.in).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read token: %w", err)
		}
		token = strings.TrimSpace(line)
	}
	if token == "" {
		return errors.NewAuthFailed("token required")
	}

	status, err := NewGatewayClient(c.cfg.Endpoint, token).AuthStatus(cmd.Context())
	if err != nil {
		return err
	}

	configDir, err := c.getConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tokenFile := filepath.Join(configDir, "token")
	if err := os.WriteFile(tokenFile, []byte(token), 0600); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	c.printf("✓ Authenticated as %s\n", status.UserName)
	c.printf("  Token saved to: %s\n", tokenFile)
	return nil
}

func (c *CLI) newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Display authentication status",
		Long:  `Display the identity and roles behind the current token.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runAuthStatus(cmd)
		},
	}
}

func (c *CLI) runAuthStatus(cmd *cobra.Command) error {
	if c.getToken() == "" {
		return errors.NewAuthFailed("no token found")
	}

	remote, err := c.newGatewayClient().AuthStatus(cmd.Context())
	if err != nil {
		return err
	}
	out := AuthStatus{
		Authenticated: remote.Authenticated,
		TokenPresent:  true,
		TokenSource:   c.getTokenSource(),
		UserID:        remote.UserID,
		UserName:      remote.UserName,
		Roles:         remote.Roles,
		ExpiresAt:     remote.ExpiresAt,
	}

	if c.jsonOutput {
		return c.outputJSON(out)
	}

	c.println("Authentication Status:")
	c.println("  Authenticated: ✓")
	c.printf("  User:         %s\n", out.UserName)
	c.printf("  Roles:        %s\n", strings.Join(out.Roles, ", "))
	c.printf("  Token source: %s\n", out.TokenSource)
	if !out.ExpiresAt.IsZero() {
		c.printf("  Expires:      %s\n", out.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func (c *CLI) newAuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear stored authentication",
		Long:  `Remove stored authentication token.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir, err := c.getConfigDir()
			if err != nil {
				return err
			}
			tokenFile := filepath.Join(configDir, "token")
			if err := os.Remove(tokenFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove token: %w", err)
			}
			c.println("✓ Logged out successfully")
			return nil
		},
	}
}

// AuthStatus represents authentication status for JSON output.
type AuthStatus struct {
	Authenticated bool      `json:"authenticated"`
	TokenPresent  bool      `json:"token_present"`
	TokenSource   string    `json:"token_source"`
	UserID        string    `json:"user_id,omitempty"`
	UserName      string    `json:"user_name,omitempty"`
	Roles         []string  `json:"roles,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}

// Helper functions

// configDirOverride replaces ~/.querycache in tests.
var configDirOverride string

func (c *CLI) getConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".querycache"), nil
}

func (c *CLI) getToken() string {
	// Priority: flag > config > file
	if c.token != "" {
		return c.token
	}
	if c.cfg != nil && c.cfg.Auth.Token != "" {
		return c.cfg.Auth.Token
	}

	configDir, err := c.getConfigDir()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(configDir, "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (c *CLI) getTokenSource() string {
	if c.token != "" {
		return "command-line flag"
	}
	if c.cfg != nil && c.cfg.Auth.Token != "" {
		return "config file"
	}
	return "token file (~/.querycache/token)"
}

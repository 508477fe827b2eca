package cli

import (
	"context"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/canonica-labs/querycache/internal/cache"
)

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Long: `Display the CLI build and the instance it talks to: the gateway
version, the catalog version and how many cached queries are in each state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runVersion(cmd)
		},
	}
}

// InstanceInfo describes the instance behind the CLI.
type InstanceInfo struct {
	Mode           string       `json:"mode"`
	Version        string       `json:"version,omitempty"`
	Status         string       `json:"status"`
	CatalogVersion uint64       `json:"catalog_version"`
	Caches         *cache.Stats `json:"caches,omitempty"`
}

func (c *CLI) runVersion(cmd *cobra.Command) error {
	info := VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	instance := c.instanceInfo(cmd.Context())

	if c.jsonOutput {
		return c.outputJSON(struct {
			VersionInfo
			Instance InstanceInfo `json:"instance"`
		}{info, instance})
	}

	c.println("querycache CLI")
	c.printf("  Version:    %s\n", info.Version)
	c.printf("  Git Commit: %s\n", info.GitCommit)
	c.printf("  Build Date: %s\n", info.BuildDate)
	c.printf("  Go Version: %s\n", info.GoVersion)
	c.printf("  OS/Arch:    %s/%s\n", info.OS, info.Arch)

	c.println("")
	c.printf("Instance (%s):\n", instance.Mode)
	if instance.Version != "" {
		c.printf("  Version:         %s\n", instance.Version)
	}
	c.printf("  Status:          %s\n", instance.Status)
	if instance.Caches != nil {
		c.printf("  Catalog Version: %d\n", instance.CatalogVersion)
		c.printf("  Caches:          %d (%d valid, %d stale, %d fallback)\n",
			instance.Caches.Total, instance.Caches.Valid, instance.Caches.Stale, instance.Caches.Fallback)
	}
	return nil
}

// instanceInfo never fails; an unreachable instance is reported in Status.
func (c *CLI) instanceInfo(ctx context.Context) InstanceInfo {
	var out InstanceInfo
	switch {
	case c.local:
		out.Mode = "local"
		out.Version = Version
	case c.cfg != nil && c.cfg.Endpoint != "":
		out.Mode = "remote " + c.cfg.Endpoint
		health, err := c.newGatewayClient().Health(ctx)
		if err != nil {
			out.Status = "unavailable"
			return out
		}
		out.Version = health.Version
	default:
		out.Mode = "none"
		out.Status = "not configured"
		return out
	}

	r, err := c.newRunner(ctx)
	if err != nil {
		out.Status = "unavailable: " + firstLine(err)
		return out
	}
	defer r.Close()

	result, err := r.Status(ctx)
	if err != nil {
		out.Status = "unavailable: " + firstLine(err)
		return out
	}
	out.Status = "ready"
	if !result.Ready {
		out.Status = fmt.Sprintf("not ready (%s)", result.Reason)
	}
	out.CatalogVersion = result.CatalogVersion
	stats := result.Cache
	out.Caches = &stats
	return out
}

// VersionInfo represents version information for JSON output.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// SetVersionInfo sets the version information (called from main).
func SetVersionInfo(version, commit, date string) {
	if version != "" {
		Version = version
	}
	if commit != "" {
		GitCommit = commit
	}
	if date != "" {
		BuildDate = date
	}
}

// GetVersionString returns a formatted version string.
func GetVersionString() string {
	return fmt.Sprintf("querycache version %s (commit: %s, built: %s)",
		Version, GitCommit, BuildDate)
}

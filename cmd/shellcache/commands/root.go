// Package commands implements the shellcache command line.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shellcache/internal/shellcache"
)

// Build information, set with -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// CLI is the shellcache command line.
type CLI struct {
	rootCmd    *cobra.Command
	configPath string
}

// New builds the command tree.
func New() *CLI {
	c := &CLI{}
	rootCmd := &cobra.Command{
		Use:           "shellcache",
		Short:         "Offline application-shell cache in front of a static web build",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"{{.Name}} version {{.Version}} (commit: %s, date: %s)\n", Commit, Date))
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config",
		getenvDefault("SHELLCACHE_CONFIG", "/shellcache.yaml"), "path to shellcache.yaml")

	rootCmd.AddCommand(c.newServeCmd())
	rootCmd.AddCommand(c.newInstallCmd())
	rootCmd.AddCommand(c.newDownloadOfflineCmd())
	rootCmd.AddCommand(c.newStatusCmd())
	rootCmd.AddCommand(c.newVersionCmd())

	c.rootCmd = rootCmd
	return c
}

// Execute runs the root command with ctx.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams. Used for testing.
func (c *CLI) SetOutput(out, errOut io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(errOut)
}

// openService loads the config and builds a logger and a stopped service.
func (c *CLI) openService() (*shellcache.Service, shellcache.Config, *zap.Logger, error) {
	cfg, err := shellcache.LoadConfig(c.configPath)
	if err != nil {
		return nil, shellcache.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := shellcache.NewLogger(cfg)
	if err != nil {
		return nil, shellcache.Config{}, nil, err
	}
	svc, err := shellcache.NewService(cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, shellcache.Config{}, nil, fmt.Errorf("init service: %w", err)
	}
	return svc, cfg, log, nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}

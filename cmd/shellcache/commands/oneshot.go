package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func (c *CLI) newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install and activate the current manifest, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, log, err := c.openService()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			defer svc.Close()

			ctx := cmd.Context()
			m, err := svc.LoadManifest(ctx)
			if err != nil {
				return err
			}
			w, err := svc.Register(ctx, m)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			res, ok := w.LastActivation()
			if !ok {
				_, _ = fmt.Fprintf(out, "version %s installed, state %s\n", w.Version(), w.State())
				return nil
			}
			_, _ = fmt.Fprintf(out, "version %s %s: pruned %d, promoted %d\n",
				w.Version(), res.Outcome, len(res.Pruned), res.Promoted)
			if res.Err != nil {
				return fmt.Errorf("activation failed in %s: %w", res.FailedIn, res.Err)
			}
			return nil
		},
	}
}

func (c *CLI) newDownloadOfflineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download-offline",
		Short: "Cache every manifest resource not cached yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, log, err := c.openService()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			defer svc.Close()

			ctx := cmd.Context()
			m, err := svc.LoadManifest(ctx)
			if err != nil {
				return err
			}
			if _, err := svc.Register(ctx, m); err != nil {
				return err
			}
			fetched, err := svc.DownloadOffline(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "fetched %d resources\n", len(fetched))
			for _, k := range fetched {
				_, _ = fmt.Fprintln(out, "  "+k)
			}
			return nil
		},
	}
}

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print store usage as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, log, err := c.openService()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			defer svc.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(svc.Status())
		},
	}
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "shellcache version %s (commit: %s, date: %s)\n",
				Version, Commit, Date)
		},
	}
}

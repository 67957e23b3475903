package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/nginx-cache-preloader/internal/coordinator"
)

func newPurgeCmd() *cobra.Command {
	var req coordinator.PurgeRequest
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Deletes cache files",
		Long: `Deletes the whole cache (--all), the entry of one URL (--url), one cache
file (--file) or every entry whose URL matches a glob (--pattern). The report
is printed as JSON and the exit status is the purge code:
0 ok, 1 permission denied, 2 cache empty, 3 not found, 4 other error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.StartPurge(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Code != coordinator.CodeOK {
				return &exitError{code: int(report.Code), msg: report.Message}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&req.All, "all", false, "delete every cache file")
	cmd.Flags().StringVar(&req.URL, "url", "", "delete the cache entry of a URL")
	cmd.Flags().StringVar(&req.FilePath, "file", "", "delete one cache file, absolute or relative to the cache root")
	cmd.Flags().StringVar(&req.Pattern, "pattern", "", "delete entries whose URL matches a glob")
	cmd.MarkFlagsMutuallyExclusive("all", "url", "file", "pattern")
	cmd.MarkFlagsOneRequired("all", "url", "file", "pattern")
	return cmd
}

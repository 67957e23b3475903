package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/nginx-cache-preloader/internal/nginxconf"
)

type detectOutput struct {
	Root      string              `json:"cache_root"`
	Levels    string              `json:"levels,omitempty"`
	KeyFormat string              `json:"key_format,omitempty"`
	Discovery nginxconf.Discovery `json:"discovery"`
}

// detectFs is swapped in tests.
var detectFs = afero.NewOsFs

func newDetectCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:         "detect",
		Short:       "Reads the cache path and key from the nginx configuration",
		Annotations: map[string]string{noApp: ""},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			found, err := nginxconf.Discover(detectFs(), path)
			if err != nil {
				return err
			}
			cachePath, key, err := found.Primary()
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			return printJSON(cmd.OutOrStdout(), detectOutput{
				Root:      cachePath.Path,
				Levels:    cachePath.Levels,
				KeyFormat: key.Format,
				Discovery: found,
			})
		},
	}
	cmd.Flags().StringVar(&path, "nginx-conf", nginxconf.DefaultPath, "path of nginx.conf")
	return cmd
}

package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/nginx-cache-preloader/internal/cachekey"
	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

type entriesOutput struct {
	Entries []cachekey.CacheEntry `json:"entries"`
	Total   int                   `json:"total"`
	Skipped int                   `json:"skipped"`
}

func newEntriesCmd() *cobra.Command {
	var (
		rawCategory string
		query       string
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "Lists cached pages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var category cachekey.Category
			if rawCategory != "" {
				c, ok := cachekey.ParseCategory(rawCategory)
				if !ok {
					return fmt.Errorf("invalid category %q", rawCategory)
				}
				category = c
			}
			query = strings.ToLower(strings.TrimSpace(query))

			out := entriesOutput{Entries: []cachekey.CacheEntry{}}
			for entry, err := range appInstance.Entries(cmd.Context()) {
				if err != nil {
					var pathErr *crawler.PathError
					if errors.As(err, &pathErr) {
						out.Skipped++
						continue
					}
					return fmt.Errorf("list cache entries: %w", err)
				}
				if category != "" && entry.Category != category {
					continue
				}
				if query != "" && !strings.Contains(strings.ToLower(entry.URL), query) {
					continue
				}
				if limit <= 0 || len(out.Entries) < limit {
					out.Entries = append(out.Entries, entry)
				}
				out.Total++
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&rawCategory, "category", "", "only entries of this category, e.g. POST or PAGE")
	cmd.Flags().StringVarP(&query, "query", "q", "", "only entries whose URL contains this text")
	cmd.Flags().IntVar(&limit, "limit", 0, "print at most this many entries (0 for all)")
	return cmd
}

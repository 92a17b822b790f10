package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// newSearchCmd creates the search command.
func newSearchCmd() *cobra.Command {
	var (
		limit    int
		asJSON   bool
		snippets bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the knowledge index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, s, err := openCoordinator()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			query := strings.Join(args, " ")
			results, err := coord.Search(cmd.Context(), query, limit)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}

			if len(results) == 0 {
				fmt.Println("No results.")
				return nil
			}
			for i, r := range results {
				fmt.Printf("%2d. %s  %s\n", i+1,
					render(nameStyle, r.Name),
					render(scoreStyle, fmt.Sprintf("%.1f", r.Score)))
				fmt.Printf("    %s  %s, %s\n",
					render(pathStyle, r.Path), r.SizeHuman, r.ModifiedHuman)
				if snippets && r.Snippet != "" {
					fmt.Printf("    %s\n", render(snippetStyle, firstLine(r.Snippet)))
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of results")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit results as JSON")
	cmd.Flags().BoolVar(&snippets, "snippets", true, "Show content snippets")
	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

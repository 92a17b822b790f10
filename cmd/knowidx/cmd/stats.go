package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newStatsCmd creates the stats command.
func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			coord, s, err := openCoordinator()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			stats, err := coord.Stats(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Println(render(titleStyle, "Index"))
			fmt.Printf("  base path:    %s\n", stats.BasePath)
			fmt.Printf("  documents:    %d\n", stats.Documents)
			fmt.Printf("  last indexed: %s\n", stats.LastIndexed)
			fmt.Printf("  backend:      %s\n", stats.Backend)
			return nil
		},
	}
}

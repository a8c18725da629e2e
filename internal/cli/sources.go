package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSourcesCmd creates the sources command.
func NewSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured artifact sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, src := range cfg.Sources {
				state := "enabled"
				if !src.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(out, "%-20s %-8s priority=%-3d %-8s %s\n",
					src.Name, src.Type, src.Priority, state, src.URL)
			}
			return nil
		},
	}
}

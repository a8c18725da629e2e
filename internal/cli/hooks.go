package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glorpus-work/mlget/pkg/config"
	"github.com/glorpus-work/mlget/pkg/hook"
	"github.com/spf13/cobra"
)

// NewHooksCmd creates the hooks command with subcommands.
func NewHooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Manage fetch-event hook scripts",
		Long:  "Hook scripts run around fetches: pre-fetch, post-fetch and fetch-failed",
	}

	cmd.AddCommand(newHooksInitCmd())

	return cmd
}

func newHooksInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write starter hook scripts",
		Long:  "Write commented starter scripts for every fetch event into $MLGET_HOME/hooks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := filepath.Join(config.BaseDir(), "hooks")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create hooks directory: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, event := range []hook.Event{hook.PreFetch, hook.PostFetch, hook.FetchFailed} {
				path := filepath.Join(dir, string(event)+".tengo")
				if _, err := os.Stat(path); err == nil && !force {
					fmt.Fprintf(out, "skipped %s (exists, use --force to overwrite)\n", path)
					continue
				}
				if err := os.WriteFile(path, []byte(hook.Template(event)+"\n"), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", path, err)
				}
				fmt.Fprintf(out, "wrote %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing hook scripts")

	return cmd
}

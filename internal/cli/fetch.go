package cli

import (
	"fmt"

	"github.com/glorpus-work/mlget/internal/logger"
	"github.com/glorpus-work/mlget/pkg/hook"
	"github.com/glorpus-work/mlget/pkg/model"
	"github.com/glorpus-work/mlget/pkg/orchestrator"
	"github.com/spf13/cobra"
)

// NewFetchCmd creates the fetch command.
func NewFetchCmd() *cobra.Command {
	var (
		platform    string
		hash        string
		connections int
	)

	cmd := &cobra.Command{
		Use:   "fetch SPEC...",
		Short: "Fetch artifacts into the cache",
		Long: `Download one or more artifacts into the content-addressed cache.

A SPEC is a package requirement like "torch", "torch==2.1.0" or
"torch==2.1.0+cu121", a direct URL, or a path to a local wheel file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args, platform, hash, connections)
		},
	}

	cmd.Flags().StringVar(&platform, "platform", "", "platform tag (cpu, cu121, ...; auto-detected when empty)")
	cmd.Flags().StringVar(&hash, "hash", "", "expected sha256 of the artifact (single spec only)")
	cmd.Flags().IntVarP(&connections, "connections", "x", 0, "connections per transfer (overrides config)")

	return cmd
}

func runFetch(cmd *cobra.Command, args []string, platform, hash string, connections int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if connections > 0 {
		cfg.Settings.Connections = connections
	}
	if platform == "" {
		platform = cfg.Settings.PlatformTag
	}
	if hash != "" && len(args) > 1 {
		return fmt.Errorf("--hash requires exactly one spec")
	}

	specs := make([]model.ArtifactSpec, 0, len(args))
	for _, raw := range args {
		spec, err := model.ParseSpec(raw)
		if err != nil {
			return err
		}
		if platform != "" {
			spec.Platform = platform
		}
		if hash != "" {
			spec.ExpectedHash = hash
		}
		specs = append(specs, spec)
	}

	hooks, err := loadHooks()
	if err != nil {
		return err
	}

	orch, _, err := buildOrchestrator(cfg, progressHooks())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	for _, spec := range specs {
		if err := hooks.Execute(hook.PreFetch, hook.FetchContext{
			ArtifactName:    spec.Name,
			ArtifactVersion: spec.Version,
		}); err != nil {
			return err
		}
	}

	if len(specs) == 1 {
		res, err := orch.Fetch(ctx, specs[0])
		if err != nil {
			runFailedHook(hooks, specs[0])
			return err
		}
		runFetchedHook(hooks, specs[0], res)
		fmt.Fprintln(cmd.OutOrStdout(), res.Entry.Path)
		return nil
	}

	results, err := orch.FetchAll(ctx, specs)
	for _, spec := range specs {
		res, ok := results[spec.Key()]
		if !ok {
			runFailedHook(hooks, spec)
			continue
		}
		runFetchedHook(hooks, spec, res)
		fmt.Fprintln(cmd.OutOrStdout(), res.Entry.Path)
	}
	return err
}

func runFetchedHook(hooks hook.Manager, spec model.ArtifactSpec, res *model.FetchResult) {
	err := hooks.Execute(hook.PostFetch, hook.FetchContext{
		ArtifactName:    spec.Name,
		ArtifactVersion: spec.Version,
		ArtifactPath:    res.Entry.Path,
		Hash:            res.Entry.Hash,
		Locator:         res.Entry.Locator,
	})
	if err != nil {
		logger.Warn("post-fetch hook failed", logger.Fields{"artifact": spec.Name, "error": err})
	}
}

func runFailedHook(hooks hook.Manager, spec model.ArtifactSpec) {
	err := hooks.Execute(hook.FetchFailed, hook.FetchContext{
		ArtifactName:    spec.Name,
		ArtifactVersion: spec.Version,
	})
	if err != nil {
		logger.Warn("fetch-failed hook failed", logger.Fields{"artifact": spec.Name, "error": err})
	}
}

// progressHooks bridges orchestrator events onto the logger.
func progressHooks() orchestrator.Hooks {
	return orchestrator.Hooks{OnEvent: func(e orchestrator.Event) {
		switch e.Phase {
		case "error":
			logger.Error(e.Msg, logger.Fields{"spec": e.ID})
		case "retrying":
			logger.Warn("retrying transfer", logger.Fields{"spec": e.ID, "locator": e.Msg})
		default:
			logger.Info(e.Phase, logger.Fields{"spec": e.ID, "detail": e.Msg})
		}
	}}
}

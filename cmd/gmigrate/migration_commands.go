package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/franksops/gomigrate/engine"
	"github.com/franksops/gomigrate/provider"
	"github.com/franksops/gomigrate/store"
	"github.com/franksops/gomigrate/ui"
)

func newMigrationCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newStartCommand(ctx),
		newStatusCommand(ctx),
		newListCommand(ctx),
		newPauseCommand(ctx),
		newCancelCommand(ctx),
		newResumeCommand(ctx),
		newFilesCommand(ctx),
		newCheckpointCommand(ctx),
		newWatchCommand(ctx),
	}
}

// runFlags control how a foreground run reports progress.
type runFlags struct {
	noTUI bool
	json  bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.noTUI, "no-tui", false, "Print a summary instead of the progress screen")
	cmd.Flags().BoolVar(&f.json, "json", false, "Print the final migration as JSON")
}

func (f *runFlags) interactive() bool {
	if f.noTUI || f.json {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func newStartCommand(ctx *commandContext) *cobra.Command {
	var (
		category         string
		target           providerFlags
		assetTypes       []string
		updateReferences bool
		batchSize        int
		run              runFlags
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Migrate a content category to a target provider",
		Long: `Start inventories the category's current storage, records one transfer per
file and copies them to the target in batches. The command stays in the
foreground until the migration stops; an interrupt pauses it so that
"gmigrate resume" can pick it up later.`,
		Example: `  gmigrate start --category assets --provider s3 --target-config s3.yaml
  gmigrate start --category assets --provider local --set local_path=/srv/new --asset-types images`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			targetConfig, err := target.providerConfig()
			if err != nil {
				return err
			}
			req := engine.StartRequest{
				SourceCategory:   category,
				TargetProvider:   target.kind,
				TargetConfig:     targetConfig,
				AssetTypes:       assetTypes,
				UpdateReferences: updateReferences,
				BatchSize:        batchSize,
			}
			return runForeground(cmd, ctx, run, func(runCtx context.Context, mgr *engine.Manager) (*store.Migration, error) {
				return mgr.Start(runCtx, req)
			})
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "Source category: "+joinCategories())
	target.register(cmd, "provider")
	cmd.Flags().StringSliceVar(&assetTypes, "asset-types", nil, "Restrict to images, videos, documents or all")
	cmd.Flags().BoolVar(&updateReferences, "update-references", false, "Record that content references should be rewritten")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Files per batch (default from engine.batch_size)")
	run.register(cmd)
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	var run runFlags
	cmd := &cobra.Command{
		Use:   "resume <migration-id>",
		Short: "Resume a paused or failed migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(cmd, ctx, run, func(runCtx context.Context, mgr *engine.Manager) (*store.Migration, error) {
				id, err := resolveMigrationID(runCtx, mgr, args[0])
				if err != nil {
					return nil, err
				}
				return mgr.Resume(runCtx, id)
			})
		},
	}
	run.register(cmd)
	return cmd
}

// runForeground launches a migration and blocks until its runner exits.
// SIGINT and SIGTERM pause the job at the next file boundary.
func runForeground(cmd *cobra.Command, ctx *commandContext, flags runFlags, launch func(context.Context, *engine.Manager) (*store.Migration, error)) error {
	interactive := flags.interactive()
	if interactive {
		// Log lines would tear the progress screen.
		if cfg, err := ctx.ensureConfig(); err == nil && cfg.Logging.File == "" {
			cfg.Logging.File = defaultLogFile(cfg.State.Dir)
		}
	}

	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return ctx.withEngine(sigCtx, func(mgr *engine.Manager) error {
		mig, err := launch(sigCtx, mgr)
		if err != nil {
			return err
		}
		id := mig.ID
		out := cmd.OutOrStdout()
		if !flags.json {
			fmt.Fprintf(out, "Migration %s: %d files, %s\n", id, mig.TotalFiles, formatBytes(mig.TotalBytes))
		}

		if interactive {
			if err := watchRunning(sigCtx, mgr, id); err != nil {
				return err
			}
		} else if err := mgr.Wait(sigCtx, id); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		if sigCtx.Err() != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_ = mgr.Shutdown(shutdownCtx)
		}

		final, err := mgr.Status(context.Background(), id)
		if err != nil {
			return err
		}
		if flags.json {
			return writeJSON(cmd, redactMigration(final))
		}
		renderMigration(out, final)
		if final.Status == store.MigrationPaused || final.Status == store.MigrationFailed {
			fmt.Fprintf(out, "Resume with: gmigrate resume %s\n", final.ID)
		}
		return nil
	})
}

// watchRunning shows the progress screen for a migration this process runs.
// Leaving the screen early pauses the job.
func watchRunning(ctx context.Context, mgr *engine.Manager, id string) error {
	model := ui.NewTUIModel(
		func() (*store.Migration, error) { return mgr.Status(context.Background(), id) },
		ui.Controls{
			Pause:  func() error { return requireTransition(mgr.Pause(context.Background(), id)) },
			Cancel: func() error { return requireTransition(mgr.Cancel(context.Background(), id)) },
		},
		0,
	)
	state, err := ui.Run(model)
	if err != nil {
		return err
	}
	if !state.Done {
		if _, err := mgr.Pause(context.Background(), id); err != nil {
			return err
		}
	}
	if err := mgr.Wait(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

var errNoTransition = errors.New("migration is not in a state that allows this")

func requireTransition(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return errNoTransition
	}
	return nil
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <migration-id>",
		Short: "Show the progress of a migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withManager(cmd.Context(), func(mgr *engine.Manager) error {
				mig, err := lookupMigration(cmd.Context(), mgr, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, redactMigration(mig))
				}
				renderMigration(cmd.OutOrStdout(), mig)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List migrations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withManager(cmd.Context(), func(mgr *engine.Manager) error {
				migrations, err := mgr.List(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					out := make([]*store.Migration, 0, len(migrations))
					for _, m := range migrations {
						out = append(out, redactMigration(m))
					}
					return writeJSON(cmd, out)
				}
				renderMigrationList(cmd.OutOrStdout(), migrations)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newPauseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <migration-id>",
		Short: "Pause a running migration at the next file boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withManager(cmd.Context(), func(mgr *engine.Manager) error {
				return changeStatus(cmd, mgr, args[0], "paused", mgr.Pause)
			})
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <migration-id>",
		Short: "Cancel a pending or running migration",
		Long:  "Cancel stops the migration once its current batch finishes. Cancelled migrations cannot be resumed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withManager(cmd.Context(), func(mgr *engine.Manager) error {
				return changeStatus(cmd, mgr, args[0], "cancelled", mgr.Cancel)
			})
		},
	}
}

func changeStatus(cmd *cobra.Command, mgr *engine.Manager, arg, verb string, fn func(context.Context, string) (bool, error)) error {
	id, err := resolveMigrationID(cmd.Context(), mgr, arg)
	if err != nil {
		return err
	}
	ok, err := fn(cmd.Context(), id)
	if err != nil {
		return err
	}
	if !ok {
		mig, err := mgr.Status(cmd.Context(), id)
		if err != nil {
			return err
		}
		return fmt.Errorf("migration %s is %s and cannot be %s", id, mig.Status, verb)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Migration %s %s\n", id, verb)
	return nil
}

func newFilesCommand(ctx *commandContext) *cobra.Command {
	var (
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "files <migration-id>",
		Short: "List the transfer records of a migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var state store.FileState
			if status != "" {
				parsed, err := store.ParseFileState(status)
				if err != nil {
					return err
				}
				state = parsed
			}
			return ctx.withManager(cmd.Context(), func(mgr *engine.Manager) error {
				id, err := resolveMigrationID(cmd.Context(), mgr, args[0])
				if err != nil {
					return err
				}
				files, err := mgr.Files(cmd.Context(), id, state)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, files)
				}
				renderFiles(cmd.OutOrStdout(), files)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only list records in this status (pending, transferring, verifying, completed, failed, skipped)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newCheckpointCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "checkpoint <migration-id>",
		Short: "Show the latest checkpoint of a migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withManager(cmd.Context(), func(mgr *engine.Manager) error {
				id, err := resolveMigrationID(cmd.Context(), mgr, args[0])
				if err != nil {
					return err
				}
				cp, err := mgr.Checkpoint(cmd.Context(), id)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, cp)
				}
				renderCheckpoint(cmd.OutOrStdout(), cp)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <migration-id>",
		Short: "Follow a migration run by another gmigrate process",
		Long: `Watch polls the state database until the migration stops. Following a
migration run by another process needs state.backend set to sqlite; the
bolt backend keeps the database locked while a migration runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withManager(cmd.Context(), func(mgr *engine.Manager) error {
				id, err := resolveMigrationID(cmd.Context(), mgr, args[0])
				if err != nil {
					return err
				}
				if !isatty.IsTerminal(os.Stdout.Fd()) {
					mig, err := mgr.Status(cmd.Context(), id)
					if err != nil {
						return err
					}
					renderMigration(cmd.OutOrStdout(), mig)
					return nil
				}
				model := ui.NewTUIModel(
					func() (*store.Migration, error) { return mgr.Status(cmd.Context(), id) },
					ui.Controls{
						Pause:  func() error { return requireTransition(mgr.Pause(cmd.Context(), id)) },
						Cancel: func() error { return requireTransition(mgr.Cancel(cmd.Context(), id)) },
					},
					interval,
				)
				_, err = ui.Run(model)
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Polling interval")
	return cmd
}

func lookupMigration(ctx context.Context, mgr *engine.Manager, arg string) (*store.Migration, error) {
	id, err := resolveMigrationID(ctx, mgr, arg)
	if err != nil {
		return nil, err
	}
	return mgr.Status(ctx, id)
}

// resolveMigrationID accepts a full migration id or a unique prefix of one,
// as printed by `gmigrate list`.
func resolveMigrationID(ctx context.Context, mgr *engine.Manager, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", fmt.Errorf("%w: empty migration id", store.ErrMigrationNotFound)
	}
	if _, err := mgr.Status(ctx, arg); err == nil {
		return arg, nil
	} else if !errors.Is(err, store.ErrMigrationNotFound) {
		return "", err
	}

	migrations, err := mgr.List(ctx)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, m := range migrations {
		if strings.HasPrefix(m.ID, arg) {
			matches = append(matches, m.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", store.ErrMigrationNotFound, arg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("migration id %q is ambiguous (%d matches)", arg, len(matches))
	}
}

// redactMigration blanks the credentials of the target configuration.
func redactMigration(m *store.Migration) *store.Migration {
	c := m.Clone()
	c.TargetConfig = redactConfig(c.TargetConfig)
	return c
}

func redactConfig(cfg provider.Config) provider.Config {
	const mask = "****"
	for _, secret := range []*string{
		&cfg.SecretKey, &cfg.Password, &cfg.PrivateKey, &cfg.ConnectionString,
		&cfg.ServiceAccountJSON, &cfg.APISecret, &cfg.APIKey,
	} {
		if *secret != "" {
			*secret = mask
		}
	}
	return cfg
}

func joinCategories() string {
	names := make([]string, 0, len(store.Categories()))
	for _, c := range store.Categories() {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}

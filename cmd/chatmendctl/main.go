// chatmendctl is the maintenance CLI: it operates on the conversation
// store directly, for operators and tooling that need to heal, inspect
// or clean up chats without going through the service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/listfold/chatmend/internal/checkpoint"
	"github.com/listfold/chatmend/internal/config"
	"github.com/listfold/chatmend/internal/healer"
	"github.com/listfold/chatmend/internal/integrity"
	"github.com/listfold/chatmend/internal/logger"
	"github.com/listfold/chatmend/internal/store"
	"github.com/listfold/chatmend/internal/sweep"
)

type app struct {
	cfg   *config.Config
	store *store.Store
	heal  *healer.Healer
	ckpts *checkpoint.Manager
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.SetLevel(cfg.Log.Level)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	h := healer.New(st, healer.Config{
		Weights:              integrity.WeightsFromConfig(cfg.Integrity.Weights),
		UnsafeDeleteFraction: cfg.Integrity.UnsafeDeleteFraction,
		ArchiveOnRecovery:    cfg.Integrity.ArchiveOnRecovery,
		AggressiveMinAge:     cfg.Sweep.Staleness,
	})
	return &app{
		cfg:   cfg,
		store: st,
		heal:  h,
		ckpts: checkpoint.New(st, cfg.Retention.CheckpointTTL),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "close store:", err)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	root := &cobra.Command{
		Use:           "chatmendctl",
		Short:         "Maintenance tooling for the conversation integrity engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var healAll bool
	healCmd := &cobra.Command{
		Use:   "heal [chat-id]",
		Short: "Validate and heal one chat, or every chat with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			if healAll {
				return a.healAll(ctx)
			}
			if len(args) != 1 {
				return fmt.Errorf("chat id required unless --all is set")
			}
			res, err := a.heal.ValidateAndHeal(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	healCmd.Flags().BoolVar(&healAll, "all", false, "heal every chat in the store")

	metricsCmd := &cobra.Command{
		Use:   "metrics <chat-id>",
		Short: "Print a chat's health metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			m, err := a.heal.HealthMetrics(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(m)
		},
	}

	var label string
	checkpointCmd := &cobra.Command{
		Use:   "checkpoint <chat-id>",
		Short: "Create a labeled checkpoint of a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			cp, err := a.ckpts.Create(cmd.Context(), args[0], label)
			if err != nil {
				return err
			}
			return printJSON(cp)
		},
	}
	checkpointCmd.Flags().StringVar(&label, "label", "manual", "checkpoint label")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run the retention passes now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			purged, err := a.ckpts.Purge(ctx)
			if err != nil {
				return err
			}
			cutoff := a.cfg.Retention.RecoveryContextTTL
			expired, err := a.store.PurgeExpiredRecoveryContexts(ctx, time.Now().Add(-cutoff))
			if err != nil {
				return err
			}
			orphaned, err := a.store.PurgeOrphanedRecoveryContexts(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]int{
				"checkpoints_purged":         purged,
				"recovery_contexts_expired":  expired,
				"recovery_contexts_orphaned": orphaned,
			})
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one health sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			orch := sweep.New(a.store, a.heal, a.ckpts, sweep.Config{
				BatchSize:          a.cfg.Sweep.BatchSize,
				Workers:            a.cfg.Sweep.Workers,
				Staleness:          a.cfg.Sweep.Staleness,
				SeverityThreshold:  a.cfg.Integrity.SeverityThreshold,
				RecoveryContextTTL: a.cfg.Retention.RecoveryContextTTL,
				SpawnReplacement:   a.cfg.Sweep.SpawnReplacement,
				Weights:            integrity.WeightsFromConfig(a.cfg.Integrity.Weights),
			})
			sum, err := orch.RunSweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(sum)
		},
	}

	root.AddCommand(healCmd, metricsCmd, checkpointCmd, cleanupCmd, sweepCmd)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// healAll pages through every chat; one chat's failure is reported and
// the rest continue, matching the sweep's isolation policy.
func (a *app) healAll(ctx context.Context) error {
	const pageSize = 200
	after := ""
	failed := 0
	healed := 0
	for {
		ids, err := a.store.ListChatIDs(ctx, after, pageSize)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			break
		}
		after = ids[len(ids)-1]
		for _, id := range ids {
			res, err := a.heal.ValidateAndHeal(ctx, id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "chat %s: %v\n", id, err)
				failed++
				continue
			}
			if res.Outcome != healer.OutcomeHealthy {
				healed++
			}
		}
	}
	return printJSON(map[string]int{"repaired": healed, "failed": failed})
}

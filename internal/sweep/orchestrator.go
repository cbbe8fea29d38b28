// Package sweep implements the periodic health sweep: it streams
// candidate chats through the validator/healer pipeline with bounded
// concurrency, isolates per-chat failures, runs retention, and probes
// external dependencies.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/listfold/chatmend/internal/checkpoint"
	"github.com/listfold/chatmend/internal/conversation"
	"github.com/listfold/chatmend/internal/healer"
	"github.com/listfold/chatmend/internal/integrity"
	"github.com/listfold/chatmend/internal/logger"
	"github.com/listfold/chatmend/internal/store"
)

// Config holds the sweep policy parameters.
type Config struct {
	BatchSize          int
	Workers            int
	Staleness          time.Duration
	SeverityThreshold  int
	RecoveryContextTTL time.Duration
	SpawnReplacement   bool
	Weights            integrity.Weights
}

// Summary reports one sweep run.
type Summary struct {
	Checked   int           `json:"checked"`
	Healthy   int           `json:"healthy"`
	Healed    int           `json:"healed"`
	Recovered int           `json:"recovered"`
	Archived  int           `json:"archived"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// Orchestrator drives sweeps over the candidate chat population.
type Orchestrator struct {
	store  *store.Store
	healer *healer.Healer
	ckpts  *checkpoint.Manager
	probes []Probe
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithProbes sets the external dependency liveness probes run at the
// end of each sweep.
func WithProbes(probes ...Probe) Option {
	return func(o *Orchestrator) { o.probes = probes }
}

// New builds an Orchestrator.
func New(st *store.Store, h *healer.Healer, ck *checkpoint.Manager, cfg Config, opts ...Option) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = 6 * time.Hour
	}
	if cfg.SeverityThreshold <= 0 {
		cfg.SeverityThreshold = 20
	}
	if cfg.RecoveryContextTTL <= 0 {
		cfg.RecoveryContextTTL = 24 * time.Hour
	}
	if cfg.Weights == nil {
		cfg.Weights = integrity.DefaultWeights()
	}
	o := &Orchestrator{
		store:  st,
		healer: h,
		ckpts:  ck,
		cfg:    cfg,
		log:    logger.Component("sweep"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunSweep processes every candidate chat through the pipeline. A
// single chat's failure never aborts the sweep; cancellation takes
// effect between chats, never mid-transaction.
func (o *Orchestrator) RunSweep(ctx context.Context) (*Summary, error) {
	start := o.now()
	staleBefore := start.Add(-o.cfg.Staleness)
	var (
		mu  sync.Mutex
		sum Summary
	)

	after := ""
	for ctx.Err() == nil {
		ids, err := o.store.ListCandidateIDs(ctx, after, o.cfg.BatchSize, staleBefore)
		if err != nil {
			return nil, fmt.Errorf("list candidates: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		after = ids[len(ids)-1]

		g := new(errgroup.Group)
		g.SetLimit(o.cfg.Workers)
		for _, id := range ids {
			if ctx.Err() != nil {
				break
			}
			chatID := id
			g.Go(func() error {
				o.processChat(ctx, chatID, &mu, &sum)
				return nil
			})
		}
		// Workers never return errors; faults are counted per chat.
		_ = g.Wait()
	}

	o.runRetention(ctx, &sum)
	o.runProbes(ctx)

	sum.Duration = o.now().Sub(start)
	o.log.Info("sweep complete",
		"checked", sum.Checked, "healthy", sum.Healthy, "healed", sum.Healed,
		"recovered", sum.Recovered, "archived", sum.Archived,
		"skipped", sum.Skipped, "errors", sum.Errors, "duration", sum.Duration)
	return &sum, nil
}

// processChat runs one candidate through severity triage and the
// healer. Every fault, including panics, is contained here.
func (o *Orchestrator) processChat(ctx context.Context, chatID string, mu *sync.Mutex, sum *Summary) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("panic while processing chat", "chat_id", chatID, "panic", r)
			mu.Lock()
			sum.Errors++
			mu.Unlock()
		}
	}()

	mu.Lock()
	sum.Checked++
	mu.Unlock()

	archived, err := o.triage(ctx, chatID)
	if err != nil {
		o.log.Error("chat processing failed", "chat_id", chatID, "error", err)
		mu.Lock()
		sum.Errors++
		mu.Unlock()
		return
	}
	if archived {
		mu.Lock()
		sum.Archived++
		mu.Unlock()
		return
	}

	res, err := o.healer.ValidateAndHeal(ctx, chatID)
	mu.Lock()
	defer mu.Unlock()
	switch {
	case errors.Is(err, store.ErrConcurrentMutation):
		// A live user appended mid-heal; the next sweep retries.
		o.log.Info("chat skipped, concurrent mutation", "chat_id", chatID)
		sum.Skipped++
	case err != nil:
		var corruption *healer.StateCorruptionError
		if errors.As(err, &corruption) {
			o.log.Error("irrecoverable corruption, manual review required",
				"chat_id", chatID, "violations", len(corruption.Report.Violations))
		} else {
			o.log.Error("chat processing failed", "chat_id", chatID, "error", err)
		}
		sum.Errors++
	case res.Outcome == healer.OutcomeHealed:
		sum.Healed++
	case res.Outcome == healer.OutcomeRecoveryBranchCreated:
		sum.Recovered++
	default:
		sum.Healthy++
	}
}

// triage archives a chat outright when its health score is below the
// severity threshold and aggressive cleanup is safe, spawning a fresh
// replacement if the owner would otherwise be left with no active chat.
// Returns true when the chat was archived instead of healed.
func (o *Orchestrator) triage(ctx context.Context, chatID string) (bool, error) {
	rec, err := o.store.LoadChat(ctx, chatID)
	if err != nil {
		return false, err
	}
	score := integrity.Score(integrity.Validate(rec), o.cfg.Weights)
	if score >= o.cfg.SeverityThreshold {
		return false, nil
	}
	safe, err := o.healer.SafeForAggressiveCleanup(ctx, chatID)
	if err != nil || !safe {
		return false, err
	}

	if err := o.store.SetStatus(ctx, chatID, conversation.StatusArchived); err != nil {
		return false, err
	}
	o.log.Warn("chat archived by severity triage", "chat_id", chatID, "health_score", score)

	if o.cfg.SpawnReplacement {
		active, err := o.store.CountActiveChatsForOwner(ctx, rec.Chat.OwnerID)
		if err != nil {
			return true, err
		}
		if active == 0 {
			replacement, err := o.store.CreateChat(ctx, rec.Chat.OwnerID, "New chat")
			if err != nil {
				return true, err
			}
			o.log.Info("replacement chat spawned",
				"owner_id", rec.Chat.OwnerID, "chat_id", replacement.ID)
		}
	}
	return true, nil
}

// runRetention purges stale checkpoints and stale/orphaned recovery
// contexts. Retention faults are logged, never propagated.
func (o *Orchestrator) runRetention(ctx context.Context, sum *Summary) {
	if o.ckpts != nil {
		if _, err := o.ckpts.Purge(ctx); err != nil {
			o.log.Error("checkpoint retention failed", "error", err)
			sum.Errors++
		}
	}
	cutoff := o.now().Add(-o.cfg.RecoveryContextTTL)
	if n, err := o.store.PurgeExpiredRecoveryContexts(ctx, cutoff); err != nil {
		o.log.Error("recovery context retention failed", "error", err)
		sum.Errors++
	} else if n > 0 {
		o.log.Info("expired recovery contexts purged", "count", n)
	}
	if n, err := o.store.PurgeOrphanedRecoveryContexts(ctx); err != nil {
		o.log.Error("orphaned recovery context purge failed", "error", err)
		sum.Errors++
	} else if n > 0 {
		o.log.Info("orphaned recovery contexts purged", "count", n)
	}
}

// runProbes checks external dependency liveness. A probe failure is
// alerted through the log and never raises into the sweep.
func (o *Orchestrator) runProbes(ctx context.Context) {
	for _, p := range o.probes {
		if err := p.Check(ctx); err != nil {
			o.log.Error("dependency probe failed", "probe", p.Name(), "error", err)
			continue
		}
		o.log.Debug("dependency probe ok", "probe", p.Name())
	}
}

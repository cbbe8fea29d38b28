package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/listfold/chatmend/internal/checkpoint"
	"github.com/listfold/chatmend/internal/config"
	"github.com/listfold/chatmend/internal/healer"
	"github.com/listfold/chatmend/internal/integrity"
	"github.com/listfold/chatmend/internal/logger"
	"github.com/listfold/chatmend/internal/store"
	"github.com/listfold/chatmend/internal/sweep"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.Log.Level)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		slog.Error("failed to open conversation store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	h := healer.New(st, healer.Config{
		Weights:              integrity.WeightsFromConfig(cfg.Integrity.Weights),
		UnsafeDeleteFraction: cfg.Integrity.UnsafeDeleteFraction,
		ArchiveOnRecovery:    cfg.Integrity.ArchiveOnRecovery,
		AggressiveMinAge:     cfg.Sweep.Staleness,
	})
	ck := checkpoint.New(st, cfg.Retention.CheckpointTTL)

	var probes []sweep.Probe
	if cfg.Probes.Completion.BaseURL != "" {
		probes = append(probes, sweep.NewCompletionProbe(cfg.Probes.Completion))
	}
	if cfg.Probes.ToolService.URL != "" {
		probes = append(probes, sweep.NewToolServiceProbe(cfg.Probes.ToolService))
	}

	orch := sweep.New(st, h, ck, sweep.Config{
		BatchSize:          cfg.Sweep.BatchSize,
		Workers:            cfg.Sweep.Workers,
		Staleness:          cfg.Sweep.Staleness,
		SeverityThreshold:  cfg.Integrity.SeverityThreshold,
		RecoveryContextTTL: cfg.Retention.RecoveryContextTTL,
		SpawnReplacement:   cfg.Sweep.SpawnReplacement,
		Weights:            integrity.WeightsFromConfig(cfg.Integrity.Weights),
	}, sweep.WithProbes(probes...))

	// The scheduler is an external concern; this binary just wires a
	// fixed-interval ticker to it.
	go func() {
		ticker := time.NewTicker(cfg.Sweep.Interval)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := orch.RunSweep(context.Background()); err != nil {
				slog.Error("scheduled sweep failed", "error", err)
			}
		}
	}()

	mux := http.NewServeMux()

	mux.HandleFunc("POST /chats", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OwnerID string `json:"owner_id"`
			Title   string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OwnerID == "" {
			http.Error(w, "owner_id required", http.StatusBadRequest)
			return
		}
		chat, err := st.CreateChat(r.Context(), req.OwnerID, req.Title)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, chat)
	})

	// Ingest boundary: the external completion/tool-execution service
	// posts the messages it produced; they are persisted verbatim.
	mux.HandleFunc("POST /chats/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var msg openai.ChatCompletionMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "invalid message payload", http.StatusBadRequest)
			return
		}
		stored, err := st.AppendCompletionMessage(r.Context(), r.PathValue("id"), msg)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, stored)
	})

	mux.HandleFunc("POST /chats/{id}/heal", func(w http.ResponseWriter, r *http.Request) {
		res, err := h.ValidateAndHeal(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("GET /chats/{id}/metrics", func(w http.ResponseWriter, r *http.Request) {
		m, err := h.HealthMetrics(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	})

	mux.HandleFunc("GET /chats/{id}/safe-for-cleanup", func(w http.ResponseWriter, r *http.Request) {
		safe, err := h.SafeForAggressiveCleanup(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"safe": safe})
	})

	mux.HandleFunc("POST /chats/{id}/checkpoints", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Label string `json:"label"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid checkpoint payload", http.StatusBadRequest)
			return
		}
		cp, err := ck.Create(r.Context(), r.PathValue("id"), req.Label)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, cp)
	})

	mux.HandleFunc("POST /sweep", func(w http.ResponseWriter, r *http.Request) {
		sum, err := orch.RunSweep(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	})

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	slog.Info("starting server", "address", serverAddr)
	if err := http.ListenAndServe(serverAddr, mux); err != nil {
		slog.Error("failed to start server", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var corruption *healer.StateCorruptionError
	switch {
	case errors.Is(err, store.ErrChatNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrConcurrentMutation):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &corruption):
		// The one irrecoverable case: surfaced for operator review.
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

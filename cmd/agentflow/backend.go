package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/randalmurphal/agentflow/pkg/agentflow"
	"github.com/randalmurphal/agentflow/pkg/agentflow/checkpoint"
	"github.com/randalmurphal/agentflow/pkg/agentflow/config"
	"github.com/randalmurphal/agentflow/pkg/agentflow/conversation"
	aferrors "github.com/randalmurphal/agentflow/pkg/agentflow/errors"
	"github.com/randalmurphal/agentflow/pkg/agentflow/llm"
	"github.com/randalmurphal/agentflow/pkg/agentflow/llm/openai"
)

// buildProvider creates the model provider named by the settings.
func buildProvider(s config.ProviderSettings, logger *slog.Logger) (llm.Provider, error) {
	switch s.Kind {
	case "openai":
		if s.APIKey == "" && s.BaseURL == "" {
			return nil, fmt.Errorf("openai provider: no API key (set %s or provider.api_key)", config.EnvAPIKey)
		}
		retry := aferrors.DefaultRetry
		retry.MaxAttempts = s.MaxRetries + 1
		return openai.New(s.APIKey, s.BaseURL,
			openai.WithModel(s.Model),
			openai.WithRetry(retry),
			openai.WithRequestsPerSecond(s.RequestsPerSecond),
			openai.WithLogger(logger),
		), nil
	case "claude_cli":
		opts := []llm.ClaudeOption{llm.WithClaudePath(s.ClaudePath)}
		if s.Model != "" {
			opts = append(opts, llm.WithModel(s.Model))
		}
		if s.TimeoutSeconds > 0 {
			opts = append(opts, llm.WithTimeout(time.Duration(s.TimeoutSeconds)*time.Second))
		}
		return llm.NewClaudeCLI(opts...), nil
	case "mock":
		responses := s.MockResponses
		if len(responses) == 0 {
			responses = []string{"ok"}
		}
		scenarios := make([]llm.Scenario, len(responses))
		for i, r := range responses {
			scenarios[i] = llm.TextScenario(r)
		}
		return llm.NewMockProvider(scenarios...), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", s.Kind)
	}
}

// conversations opens the conversation backend and returns the per-session
// opener plus a function closing the backend. Memory returns a nil opener,
// which makes each node keep its transcript in memory.
func conversations(s config.StoreSettings, logger *slog.Logger) (agentflow.StoreOpener, func() error, error) {
	noop := func() error { return nil }
	switch s.Kind {
	case "memory":
		return nil, noop, nil
	case "file":
		return func(session string) (conversation.Store, error) {
			return conversation.NewFileStore(filepath.Join(s.Path, filepath.FromSlash(session)))
		}, noop, nil
	case "sqlite":
		db, err := conversation.OpenSQLite(s.Path)
		if err != nil {
			return nil, nil, err
		}
		return func(session string) (conversation.Store, error) {
			return db.Session(session), nil
		}, db.Close, nil
	case "badger":
		cfg := conversation.DefaultBadgerConfig(s.Path)
		cfg.Logger = logger
		db, err := conversation.OpenBadger(cfg)
		if err != nil {
			return nil, nil, err
		}
		return func(session string) (conversation.Store, error) {
			return db.Session(session), nil
		}, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", s.Kind)
	}
}

// errEphemeralCheckpoints is returned when resuming without a durable
// checkpoint store.
var errEphemeralCheckpoints = errors.New("resume needs checkpoint.kind sqlite")

func checkpoints(s config.CheckpointSettings) (checkpoint.Store, error) {
	switch s.Kind {
	case "memory":
		return checkpoint.NewMemoryStore(), nil
	case "sqlite":
		return checkpoint.NewSQLiteStore(s.Path)
	default:
		return nil, fmt.Errorf("unknown checkpoint kind %q", s.Kind)
	}
}

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cocode/cocode/internal/agent"
	"github.com/cocode/cocode/internal/config"
	"github.com/cocode/cocode/internal/providers"
	"github.com/cocode/cocode/internal/sessions"
	"github.com/cocode/cocode/internal/sidecar"
	"github.com/cocode/cocode/internal/tools/exec"
	"github.com/cocode/cocode/internal/tools/files"
)

// buildProvider selects a provider adapter from the resolved configuration.
// The first provider with usable credentials wins, in the order a human
// setting up cocode would reach for them: Anthropic, OpenAI, Azure, Google,
// Bedrock, OpenRouter, then Ollama (which needs no credentials at all).
func buildProvider(cfg *config.Config) (providers.Adapter, error) {
	p := cfg.Providers

	if p.Anthropic.APIKey != "" {
		return providers.NewAnthropicAdapter(providers.AnthropicConfig{
			APIKey:       p.Anthropic.APIKey,
			BaseURL:      p.Anthropic.BaseURL,
			DefaultModel: p.Anthropic.DefaultModel,
			MaxRetries:   p.Anthropic.MaxRetries,
			RetryDelay:   p.Anthropic.RetryDelay,
		})
	}
	if p.OpenAI.APIKey != "" {
		return providers.NewOpenAIAdapter(p.OpenAI.APIKey), nil
	}
	if p.Azure.Endpoint != "" && (p.Azure.APIKey != "" || p.Azure.AADToken != "") {
		return providers.NewAzureAdapter(providers.AzureConfig{
			Endpoint:     p.Azure.Endpoint,
			APIKey:       p.Azure.APIKey,
			AADToken:     p.Azure.AADToken,
			APIVersion:   p.Azure.APIVersion,
			DefaultModel: p.Azure.DefaultModel,
		})
	}
	if p.Google.APIKey != "" || p.Google.ServiceAccountJSONPath != "" {
		var saJSON []byte
		if p.Google.ServiceAccountJSONPath != "" {
			data, err := os.ReadFile(p.Google.ServiceAccountJSONPath)
			if err != nil {
				return nil, fmt.Errorf("read google service account json: %w", err)
			}
			saJSON = data
		}
		return providers.NewGoogleAdapter(providers.GoogleConfig{
			APIKey:             p.Google.APIKey,
			ServiceAccountJSON: saJSON,
			OAuthScopes:        p.Google.OAuthScopes,
			DefaultModel:       p.Google.DefaultModel,
		})
	}
	if p.Bedrock.AccessKeyID != "" {
		return providers.NewBedrockAdapter(providers.BedrockConfig{
			Region:          p.Bedrock.Region,
			AccessKeyID:     p.Bedrock.AccessKeyID,
			SecretAccessKey: p.Bedrock.SecretAccessKey,
			SessionToken:    p.Bedrock.SessionToken,
			DefaultModel:    p.Bedrock.DefaultModel,
			MaxRetries:      p.Bedrock.MaxRetries,
			RetryDelay:      p.Bedrock.RetryDelay,
		})
	}
	if p.OpenRouter.APIKey != "" {
		return providers.NewOpenRouterAdapter(providers.OpenRouterConfig{
			APIKey:       p.OpenRouter.APIKey,
			DefaultModel: p.OpenRouter.DefaultModel,
			MaxRetries:   p.OpenRouter.MaxRetries,
			RetryDelay:   p.OpenRouter.RetryDelay,
		})
	}
	return providers.NewOllamaAdapter(providers.OllamaConfig{
		BaseURL:      p.Ollama.BaseURL,
		DefaultModel: p.Ollama.DefaultModel,
		Timeout:      p.Ollama.Timeout,
	}), nil
}

// buildSessionStore opens the session backend named by cfg.Session.Backend
// under cfg.Home/sessions.
func buildSessionStore(cfg *config.Config) (sessions.Store, error) {
	switch cfg.Session.Backend {
	case "sqlite":
		path := filepath.Join(cfg.Home, "sessions", "cocode.db")
		return sessions.NewSQLiteStore(path)
	default:
		return sessions.NewMemoryStore(), nil
	}
}

// buildToolRegistry wires the file and shell tools against the given
// workspace root.
func buildToolRegistry(workspace string) *agent.ToolRegistry {
	registry := agent.NewToolRegistry()
	fileCfg := files.Config{Workspace: workspace}
	registry.Register(files.NewReadTool(fileCfg))
	registry.Register(files.NewWriteTool(fileCfg))
	registry.Register(files.NewEditTool(fileCfg))
	registry.Register(files.NewApplyPatchTool(fileCfg))

	execManager := exec.NewManager(workspace)
	registry.Register(exec.NewExecTool("bash", execManager))
	registry.Register(exec.NewProcessTool(execManager))
	return registry
}

// buildLoop assembles a Loop ready to Run turns against session, wiring the
// context budget/compaction pipeline through a sidecar store rooted at
// cfg.Home/sidecars.
func buildLoop(cfg *config.Config, workspace string) (*agent.Loop, sessions.Store, error) {
	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build provider: %w", err)
	}
	store, err := buildSessionStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build session store: %w", err)
	}
	registry := buildToolRegistry(workspace)

	sidecarStore := sidecar.NewStore(filepath.Join(cfg.Home, "sidecars"))
	compactor := agent.NewCompactionManager(&agent.CompactionConfig{
		Enabled:               true,
		MicroThresholdPercent: cfg.Context.MicroThresholdPercent,
		FullThresholdPercent:  cfg.Context.FullThresholdPercent,
		KeepRecentToolResults: 5,
		PreserveBudgetTokens:  20000,
	}, provider, cfg.Providers.Anthropic.DefaultModel, sidecarStore)

	loopCfg := agent.DefaultLoopConfig()
	loopCfg.ExecutorConfig = &agent.ExecutorConfig{
		MaxConcurrency:  cfg.Executor.MaxConcurrency,
		DefaultTimeout:  cfg.Executor.DefaultTimeout,
		DefaultRetries:  cfg.Executor.DefaultRetries,
		RetryBackoff:    cfg.Executor.RetryBackoff,
		MaxRetryBackoff: cfg.Executor.MaxRetryBackoff,
	}
	loopCfg.ContextWindowTokens = cfg.Context.WindowTokens
	loopCfg.EnableMicroCompaction = cfg.Context.EnableMicroCompaction
	loopCfg.Compactor = compactor

	return agent.NewLoop(provider, registry, store, loopCfg), store, nil
}

// Title generation using a cheap LLM call to summarize a run's prompt.
package server

import (
	"context"
	"log/slog"
	"strings"

	"github.com/maruel/genai"
	"github.com/maruel/genai/providers"
)

// titleGenerator generates short run titles from a prompt using a cheap
// LLM. If the provider is nil (unconfigured), all operations are no-ops —
// run creation never blocks on it.
type titleGenerator struct {
	provider genai.Provider
}

// newTitleGenerator creates a titleGenerator from provider/model config
// strings. Returns a no-op generator if providerName is empty or
// initialization fails.
func newTitleGenerator(ctx context.Context, providerName, model string) *titleGenerator {
	if providerName == "" {
		return &titleGenerator{}
	}
	cfg, ok := providers.All[providerName]
	if !ok || cfg.Factory == nil {
		slog.Warn("unknown LLM provider for title generation", "provider", providerName)
		return &titleGenerator{}
	}
	var opts []genai.ProviderOption
	if model != "" {
		opts = append(opts, genai.ProviderOptionModel(model))
	} else {
		opts = append(opts, genai.ModelCheap)
	}
	p, err := cfg.Factory(ctx, opts...)
	if err != nil {
		slog.Warn("failed to create LLM provider for title generation", "provider", providerName, "err", err)
		return &titleGenerator{}
	}
	slog.Info("title generation enabled", "provider", providerName, "model", p.ModelID())
	return &titleGenerator{provider: p}
}

const titleSystemPrompt = "Summarize this coding task prompt in 3-8 words as a short title. Reply with ONLY the title, no quotes."

// generate asks the LLM for a short title from prompt. Returns "" on
// failure or if unconfigured.
func (tg *titleGenerator) generate(ctx context.Context, runID, prompt string) string {
	if tg.provider == nil || prompt == "" {
		return ""
	}
	input := prompt
	if len(input) > 2000 {
		input = input[:2000]
	}

	res, err := tg.provider.GenSync(ctx,
		genai.Messages{genai.NewTextMessage(input)},
		&genai.GenOptionText{
			SystemPrompt: titleSystemPrompt,
			MaxTokens:    64,
			Temperature:  0.3,
		},
	)
	if err != nil {
		slog.Warn("title generation LLM call failed", "run", runID, "err", err)
		return ""
	}
	title := strings.TrimSpace(res.String())
	title = strings.Trim(title, "\"'`")
	return title
}

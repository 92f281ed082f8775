package flows

import (
	"context"
	"fmt"

	"github.com/aether-media/vidforge/internal/accounts"
	"github.com/aether-media/vidforge/internal/flowtrace"
	"github.com/aether-media/vidforge/internal/useapi"
)

// FlowNameNarration is the registry key for the TTS-only flow.
const FlowNameNarration = "narration_only"

// NarrationOnly generates a standalone narration track. It exists for cheap
// re-runs when a video's audio needs regenerating without burning video
// credits.
type NarrationOnly struct {
	deps Deps
}

// NewNarrationOnly creates the flow.
func NewNarrationOnly(deps Deps) *NarrationOnly {
	return &NarrationOnly{deps: deps}
}

func (f *NarrationOnly) Name() string { return FlowNameNarration }

// Execute generates one narration clip from params {text, voice}.
func (f *NarrationOnly) Execute(ctx context.Context, tracer *flowtrace.Tracer, params map[string]any) (map[string]any, error) {
	text := stringParam(params, "text", "")
	voice := stringParam(params, "voice", "narrator_en")

	span := tracer.StartSpan("validate_params", params)
	if text == "" {
		err := fmt.Errorf("param %q is required", "text")
		span.Finish(nil, err)
		return nil, err
	}
	span.Finish(map[string]any{"voice": voice, "chars": len(text)}, nil)

	acctSpan := tracer.StartSpan("acquire_account", map[string]any{"model": string(accounts.ModelTTS)})
	acct := f.deps.Pool.GetAccount(accounts.ModelTTS, true)
	if acct == nil {
		err := fmt.Errorf("no account available for model %s", accounts.ModelTTS)
		acctSpan.Finish(nil, err)
		return nil, err
	}
	acctSpan.Finish(map[string]any{"account_id": acct.ID}, nil)

	genSpan := tracer.StartSpan("generate_narration", map[string]any{"voice": voice})
	result, err := callProvider(ctx, f.deps, ServiceTTS, acct, func(token string) (*useapi.TTSResult, float64, error) {
		res, err := f.deps.API.GenerateTTS(ctx, token, useapi.TTSRequest{Text: text, Voice: voice})
		if err != nil {
			return nil, 0, err
		}
		return res, res.CreditsUsed, nil
	})
	if err != nil {
		genSpan.Finish(nil, err)
		return nil, err
	}
	genSpan.Finish(map[string]any{"asset_id": result.AssetID}, nil)

	return map[string]any{
		"account_id":    acct.ID,
		"narration_url": result.URL,
		"duration_sec":  result.DurationSec,
	}, nil
}

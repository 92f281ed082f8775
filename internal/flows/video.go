package flows

import (
	"context"
	"fmt"
	"time"

	"github.com/aether-media/vidforge/internal/accounts"
	"github.com/aether-media/vidforge/internal/flowtrace"
	"github.com/aether-media/vidforge/internal/ratelimit"
	"github.com/aether-media/vidforge/internal/useapi"
)

// Rate-limiter service keys for the generation endpoints.
const (
	ServiceVideo = "video"
	ServiceTTS   = "tts"
	ServiceImage = "image"
)

// Deps are the shared resources every generation flow needs. One set is
// constructed at worker startup and injected; nothing here is global.
type Deps struct {
	Pool          *accounts.Pool
	API           *useapi.Client
	Limiter       *ratelimit.Limiter
	FallbackToken string
}

// token resolves the bearer token for an account, falling back to the
// process-wide USEAPI token when the account carries none.
func (d Deps) token(acct *accounts.Account) string {
	if acct.BearerToken != "" {
		return acct.BearerToken
	}
	return d.FallbackToken
}

// VideoGeneration produces one video: narration script params in, generated
// video + narration audio + thumbnail assets out. Every provider call goes
// through the rate limiter and is charged to the account that served it.
type VideoGeneration struct {
	deps Deps
}

// NewVideoGeneration creates the flow.
func NewVideoGeneration(deps Deps) *VideoGeneration {
	return &VideoGeneration{deps: deps}
}

// FlowNameVideo is the registry key for the full pipeline.
const FlowNameVideo = "video_generation"

func (f *VideoGeneration) Name() string { return FlowNameVideo }

// videoParams are the validated inputs of one run.
type videoParams struct {
	Topic       string
	Duration    int
	AspectRatio string
	Premium     bool
	Voice       string
}

// Execute runs validate -> acquire account -> video -> narration ->
// thumbnail. A failing step fails the whole flow; the queue's retry policy
// decides whether it runs again.
func (f *VideoGeneration) Execute(ctx context.Context, tracer *flowtrace.Tracer, params map[string]any) (map[string]any, error) {
	p, err := f.validate(tracer, params)
	if err != nil {
		return nil, err
	}

	acct, err := f.acquireAccount(tracer, p)
	if err != nil {
		return nil, err
	}

	video, err := f.generateVideo(ctx, tracer, acct, p)
	if err != nil {
		return nil, err
	}

	narration, err := f.generateNarration(ctx, tracer, acct, p)
	if err != nil {
		return nil, err
	}

	thumb, err := f.generateThumbnail(ctx, tracer, acct, p)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"account_id":    acct.ID,
		"video_url":     video.URL,
		"video_asset":   video.AssetID,
		"narration_url": narration.URL,
		"thumbnail_url": thumb.URL,
		"duration_sec":  video.DurationSec,
	}, nil
}

func (f *VideoGeneration) validate(tracer *flowtrace.Tracer, params map[string]any) (videoParams, error) {
	span := tracer.StartSpan("validate_params", params)

	p := videoParams{
		Topic:       stringParam(params, "topic", ""),
		Duration:    intParam(params, "duration", 60),
		AspectRatio: stringParam(params, "aspect_ratio", "9:16"),
		Premium:     boolParam(params, "premium", false),
		Voice:       stringParam(params, "voice", "narrator_en"),
	}

	var err error
	switch {
	case p.Topic == "":
		err = fmt.Errorf("param %q is required", "topic")
	case p.Duration <= 0 || p.Duration > 600:
		err = fmt.Errorf("duration %d out of range (1-600s)", p.Duration)
	}

	span.Finish(map[string]any{"topic": p.Topic, "duration": p.Duration}, err)
	return p, err
}

func (f *VideoGeneration) acquireAccount(tracer *flowtrace.Tracer, p videoParams) (*accounts.Account, error) {
	model := accounts.ModelVideoStandard
	if p.Premium {
		model = accounts.ModelVideoPremium
	}

	span := tracer.StartSpan("acquire_account", map[string]any{
		"model":       string(model),
		"prefer_free": !p.Premium,
	})

	acct := f.deps.Pool.GetAccount(model, !p.Premium)
	if acct == nil {
		// Pool exhausted for this capability: fail the job outright rather
		// than hammering the provider; the operator decides about emergency
		// mode or topping up credits.
		err := fmt.Errorf("no account available for model %s", model)
		span.Finish(nil, err)
		return nil, err
	}

	span.Finish(map[string]any{"account_id": acct.ID, "credits": acct.Credits}, nil)
	return acct, nil
}

func (f *VideoGeneration) generateVideo(ctx context.Context, tracer *flowtrace.Tracer, acct *accounts.Account, p videoParams) (*useapi.VideoResult, error) {
	model := "standard-v2"
	if p.Premium {
		model = "premium-v2"
	}

	span := tracer.StartSpan("generate_video", map[string]any{
		"topic": p.Topic, "model": model, "duration": p.Duration,
	})

	result, err := callProvider(ctx, f.deps, ServiceVideo, acct, func(token string) (*useapi.VideoResult, float64, error) {
		res, err := f.deps.API.GenerateVideo(ctx, token, useapi.VideoRequest{
			Prompt:      p.Topic,
			Model:       model,
			Duration:    p.Duration,
			AspectRatio: p.AspectRatio,
		})
		if err != nil {
			return nil, 0, err
		}
		return res, res.CreditsUsed, nil
	})
	if err != nil {
		span.Finish(nil, err)
		return nil, err
	}

	span.Finish(map[string]any{"asset_id": result.AssetID, "url": result.URL}, nil)
	return result, nil
}

func (f *VideoGeneration) generateNarration(ctx context.Context, tracer *flowtrace.Tracer, acct *accounts.Account, p videoParams) (*useapi.TTSResult, error) {
	span := tracer.StartSpan("generate_narration", map[string]any{
		"topic": p.Topic, "voice": p.Voice,
	})

	result, err := callProvider(ctx, f.deps, ServiceTTS, acct, func(token string) (*useapi.TTSResult, float64, error) {
		res, err := f.deps.API.GenerateTTS(ctx, token, useapi.TTSRequest{
			Text:  fmt.Sprintf("A short narration about %s.", p.Topic),
			Voice: p.Voice,
		})
		if err != nil {
			return nil, 0, err
		}
		return res, res.CreditsUsed, nil
	})
	if err != nil {
		span.Finish(nil, err)
		return nil, err
	}

	span.Finish(map[string]any{"asset_id": result.AssetID, "duration_sec": result.DurationSec}, nil)
	return result, nil
}

func (f *VideoGeneration) generateThumbnail(ctx context.Context, tracer *flowtrace.Tracer, acct *accounts.Account, p videoParams) (*useapi.ImageResult, error) {
	span := tracer.StartSpan("generate_thumbnail", map[string]any{"topic": p.Topic})

	result, err := callProvider(ctx, f.deps, ServiceImage, acct, func(token string) (*useapi.ImageResult, float64, error) {
		res, err := f.deps.API.GenerateImage(ctx, token, useapi.ImageRequest{
			Prompt:      fmt.Sprintf("thumbnail for a video about %s", p.Topic),
			AspectRatio: "16:9",
		})
		if err != nil {
			return nil, 0, err
		}
		return res, res.CreditsUsed, nil
	})
	if err != nil {
		span.Finish(nil, err)
		return nil, err
	}

	span.Finish(map[string]any{"asset_id": result.AssetID}, nil)
	return result, nil
}

// callProvider funnels one provider call through the rate limiter and the
// account pool's bookkeeping: wait for budget, call, record the outcome on
// both. A 429 from the provider is recorded as a rate-limited outcome so the
// limiter's adaptive backoff engages.
func callProvider[T any](ctx context.Context, deps Deps, service string, acct *accounts.Account, call func(token string) (T, float64, error)) (T, error) {
	var zero T

	if _, err := deps.Limiter.Wait(ctx, service); err != nil {
		return zero, err
	}

	start := time.Now()
	result, creditsUsed, err := call(deps.token(acct))
	elapsed := time.Since(start)

	success := err == nil
	deps.Limiter.Record(service, success, elapsed)
	deps.Pool.UpdateAfterUse(acct.ID, success, creditsUsed)

	if err != nil {
		return zero, fmt.Errorf("%s generation: %w", service, err)
	}
	return result, nil
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func boolParam(params map[string]any, key string, fallback bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}

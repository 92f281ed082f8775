// Package accounts manages the pool of third-party API credentials used by
// generation flows. Each account carries model capability flags and a credit
// balance; a configurable strategy picks one per request.
package accounts

import "time"

// ModelType identifies a generation capability an account may have.
type ModelType string

const (
	ModelVideoStandard ModelType = "video_standard"
	ModelVideoPremium  ModelType = "video_premium"
	ModelTTS           ModelType = "tts"
	ModelImage         ModelType = "image"
)

// zeroCostModels are billed against a free tier, not credits.
var zeroCostModels = map[ModelType]bool{
	ModelVideoStandard: true,
	ModelTTS:           true,
}

// ZeroCost reports whether a model consumes no credits.
func ZeroCost(m ModelType) bool {
	return zeroCostModels[m]
}

// Status is an account's derived health state.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
	StatusLowCredits  Status = "low_credits"
)

// Consecutive-error thresholds for status derivation.
const (
	degradedErrors    = 3
	unavailableErrors = 5
)

// Account is one set of provider credentials with its own quota state.
// Status is never stored independently; it is re-derived from error count
// and credits on every mutation.
type Account struct {
	ID            string      `json:"id"`
	Email         string      `json:"email"`
	BearerToken   string      `json:"-"`
	Models        []ModelType `json:"models"`
	Priority      int         `json:"priority"`
	CreditLimit   float64     `json:"credit_limit"`
	Credits       float64     `json:"credits"`
	Status        Status      `json:"status"`
	ErrorCount    int         `json:"error_count"`
	RequestsToday int         `json:"requests_today"`
	LastUsed      time.Time   `json:"last_used"`
}

// HasModel reports whether the account can serve the given model.
func (a *Account) HasModel(m ModelType) bool {
	for _, have := range a.Models {
		if have == m {
			return true
		}
	}
	return false
}

// FreeModels returns the account's zero-cost capabilities.
func (a *Account) FreeModels() []ModelType {
	var out []ModelType
	for _, m := range a.Models {
		if ZeroCost(m) {
			out = append(out, m)
		}
	}
	return out
}

// deriveStatus recomputes Status from (ErrorCount, Credits). Error state
// dominates: an account past the unavailable threshold stays unavailable
// even with a full balance.
func (a *Account) deriveStatus() {
	switch {
	case a.ErrorCount >= unavailableErrors:
		a.Status = StatusUnavailable
	case a.ErrorCount >= degradedErrors:
		a.Status = StatusDegraded
	case a.Credits < a.CreditLimit:
		a.Status = StatusLowCredits
	default:
		a.Status = StatusHealthy
	}
}

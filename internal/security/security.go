// Package security guards the node's inbound surface: a per-peer
// fixed-window rate limiter whose allowance scales with reputation, and a
// safety screen over prompts before they reach the inference backend.
package security

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Requests per minute by reputation band.
const (
	rateLowRep  = 3  // score < 10
	rateMidRep  = 10 // score < 100
	rateHighRep = 50
)

const (
	rateWindow      = time.Minute
	maxPromptLength = 10000

	// MaliciousPenalty is the reputation delta for an unsafe prompt.
	MaliciousPenalty = -10
)

// dangerousPatterns refuse a prompt outright when present.
var dangerousPatterns = []string{
	"ignore previous instructions",
	"ignore all previous",
	"disregard your instructions",
	"system prompt",
	"you are now",
	"jailbreak",
	"rm -rf",
	"drop table",
}

type window struct {
	count int
	start time.Time
}

// RateLimiter is a per-peer fixed-window limiter. The per-window allowance
// is derived from the peer's reputation score on every call, so a peer's
// limit moves with its standing.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]*window)}
}

// rateFor maps a reputation score to its requests-per-minute allowance.
func rateFor(score int) int {
	switch {
	case score < 10:
		return rateLowRep
	case score < 100:
		return rateMidRep
	default:
		return rateHighRep
	}
}

// Allow reports whether the peer may make another request this window,
// given its current reputation score.
func (r *RateLimiter) Allow(peer string, score int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	w := r.windows[peer]
	if w == nil || now.Sub(w.start) > rateWindow {
		w = &window{start: now}
		r.windows[peer] = w
	}
	w.count++
	return w.count <= rateFor(score)
}

// Status returns the peer's use of the current window: requests made and
// the allowance for its score.
func (r *RateLimiter) Status(peer string, score int) (used, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit = rateFor(score)
	w := r.windows[peer]
	if w == nil || time.Since(w.start) > rateWindow {
		return 0, limit
	}
	return w.count, limit
}

// Reset clears the peer's window.
func (r *RateLimiter) Reset(peer string) {
	r.mu.Lock()
	delete(r.windows, peer)
	r.mu.Unlock()
}

// CheckPrompt screens a prompt before inference. It rejects empty prompts,
// prompts over the length cap, and prompts matching a dangerous pattern.
// A rejection for a dangerous pattern should cost the sender
// MaliciousPenalty reputation.
func CheckPrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("EMPTY_PROMPT")
	}
	if len(prompt) > maxPromptLength {
		return fmt.Errorf("PROMPT_TOO_LONG: %d over %d limit", len(prompt), maxPromptLength)
	}
	lower := strings.ToLower(prompt)
	for _, pattern := range dangerousPatterns {
		if strings.Contains(lower, pattern) {
			return fmt.Errorf("UNSAFE_PROMPT: matched %q", pattern)
		}
	}
	return nil
}

// IsUnsafe reports whether the prompt matched a dangerous pattern rather
// than a shape problem. Callers use this to decide whether to penalize.
func IsUnsafe(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "UNSAFE_PROMPT")
}

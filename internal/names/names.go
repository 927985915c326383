// Package names resolves a node's display name from an external identity
// service. Resolution is best-effort: no token, a timeout, or any error
// falls back to anonymous and the node keeps running with limited trust.
package names

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

const (
	// Anonymous is the display name used when resolution fails.
	Anonymous = "anonymous"

	resolveTimeout = 4 * time.Second
)

// Resolver looks up the display name behind an identity token.
type Resolver struct {
	apiBase string
	token   string
	http    *http.Client

	name          string
	authenticated bool
}

// NewResolver creates a Resolver. An empty token disables lookup; the node
// stays anonymous.
func NewResolver(apiBase, token string) *Resolver {
	return &Resolver{
		apiBase: apiBase,
		token:   token,
		http:    &http.Client{},
		name:    Anonymous,
	}
}

type meResponse struct {
	Agent struct {
		Name string `json:"name"`
	} `json:"agent"`
	Username string `json:"username"`
}

// Resolve fetches the display name for the configured token. Any failure
// leaves the resolver anonymous and returns false.
func (r *Resolver) Resolve(ctx context.Context) bool {
	if r.token == "" {
		log.Printf("[NAMES] no identity token, running anonymous")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.apiBase+"/agents/me", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.http.Do(req)
	if err != nil {
		log.Printf("[NAMES] lookup failed, continuing anonymous: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[NAMES] lookup returned %s, continuing anonymous", resp.Status)
		return false
	}

	var me meResponse
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		log.Printf("[NAMES] malformed identity response: %v", err)
		return false
	}

	name := me.Agent.Name
	if name == "" {
		name = me.Username
	}
	if name == "" {
		return false
	}

	r.name = name
	r.authenticated = true
	log.Printf("[NAMES] authenticated as @%s", name)
	return true
}

// Name returns the resolved display name, or Anonymous.
func (r *Resolver) Name() string {
	return r.name
}

// NodeID returns "@name" when authenticated, the fallback id otherwise.
func (r *Resolver) NodeID(fallback string) string {
	if r.authenticated {
		return fmt.Sprintf("@%s", r.name)
	}
	return fallback
}

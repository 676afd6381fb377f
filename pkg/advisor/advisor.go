// Package advisor implements an optional LLM-backed remediation advisor,
// consulted when a runbook match is ambiguous or a technician asks "what
// should I try next". It is nil-able throughout the composition root: a
// tenant or deployment with no ANTHROPIC_API_KEY configured simply never
// gets this package wired in.
package advisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/patrolwire/patrolwire/pkg/incident"
)

// memoryTTL bounds how long a session's prior turns are retained before
// being purged, keeping the advisor's short-term memory bounded without a
// dedicated store (spec §9 open question: "advisor memory is ephemeral,
// not persisted").
const memoryTTL = 30 * time.Minute

// Advice is one suggestion returned for an incident.
type Advice struct {
	Summary     string   `json:"summary"`
	NextActions []string `json:"next_actions"`
}

// Advisor asks an LLM for a remediation recommendation given an incident's
// context and the operator's running conversation.
type Advisor struct {
	client anthropic.Client
	model  anthropic.Model

	mu       sync.Mutex
	sessions map[string]session
}

type session struct {
	turns    []anthropic.MessageParam
	lastUsed time.Time
}

// New builds an Advisor. apiKey must be non-empty; callers should leave the
// Advisor nil rather than constructing one with an empty key.
func New(apiKey string) *Advisor {
	return &Advisor{
		client:   anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:    anthropic.Model("claude-sonnet-4-5-20250929"),
		sessions: make(map[string]session),
	}
}

// Advise returns a recommendation for inc, continuing the session keyed by
// sessionID if one is still within memoryTTL.
func (a *Advisor) Advise(ctx context.Context, sessionID string, inc incident.Incident, question string) (Advice, error) {
	a.mu.Lock()
	a.purgeLocked()
	sess, ok := a.sessions[sessionID]
	if !ok {
		sess = session{}
	}
	a.mu.Unlock()

	prompt := fmt.Sprintf(
		"Incident %s: signature=%s asset=%s severity=%s alert_count=%d priority_score=%d. Operator asks: %s",
		inc.ID, inc.Signature, inc.AssetName, inc.Severity, inc.AlertCount, inc.PriorityScore, question,
	)
	sess.turns = append(sess.turns, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: int64(512),
		Messages:  sess.turns,
	})
	if err != nil {
		return Advice{}, fmt.Errorf("requesting advisor completion: %w", err)
	}

	var summary string
	for _, block := range resp.Content {
		if block.Type == "text" {
			summary += block.Text
		}
	}
	sess.turns = append(sess.turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(summary)))
	sess.lastUsed = time.Now()

	a.mu.Lock()
	a.sessions[sessionID] = sess
	a.mu.Unlock()

	return Advice{Summary: summary}, nil
}

// purgeLocked drops sessions idle past memoryTTL. Callers must hold a.mu.
func (a *Advisor) purgeLocked() {
	cutoff := time.Now().Add(-memoryTTL)
	for id, sess := range a.sessions {
		if sess.lastUsed.Before(cutoff) {
			delete(a.sessions, id)
		}
	}
}

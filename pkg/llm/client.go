package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/metrics"
	"github.com/kestrelhq/kestrel/pkg/budget"
	"github.com/kestrelhq/kestrel/pkg/eventlog"
	"github.com/kestrelhq/kestrel/pkg/state"
)

// SpendGate answers whether a paid call may proceed. Implemented by
// the budget accountant.
type SpendGate interface {
	CanSpend(paid, background bool) error
}

// CallOpts attributes one logical call for budget gating.
type CallOpts struct {
	// Background marks calls charged against the background cap.
	Background bool
}

// candidate is one provider in the chain together with its failover
// bookkeeping. Cooldown and failure counts are mirrored into the
// state snapshot so they survive a restart.
type candidate struct {
	provider Provider
	cooldown time.Duration

	cooldownUntil       *time.Time
	consecutiveFailures int
	disabled            bool
	disabledReason      string
}

// Client walks an ordered provider chain for each logical call. A
// failed or empty response advances to the next eligible candidate;
// this never duplicates billing or creates new work. Repeated
// chain-wide exhaustion trips a circuit breaker that must be reset
// explicitly.
type Client struct {
	store   *state.Store
	events  *eventlog.Log
	metrics *metrics.Metrics
	gate    SpendGate
	logger  zerolog.Logger
	counter *budget.TokenCounter

	circuitThreshold int

	mu         sync.Mutex
	candidates []*candidate
	circuit    state.CircuitState
}

// NewClient builds the chain from configuration, ordered by priority.
// Persisted provider health and circuit state are restored from the
// snapshot. gate, events and m may be nil.
func NewClient(cfgs []config.ProviderConfig, circuitThreshold int, store *state.Store, gate SpendGate, events *eventlog.Log, m *metrics.Metrics, logger zerolog.Logger) (*Client, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}

	ordered := make([]config.ProviderConfig, len(cfgs))
	copy(ordered, cfgs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	c := &Client{
		store:            store,
		events:           events,
		metrics:          m,
		gate:             gate,
		logger:           logger.With().Str("component", "llm").Logger(),
		circuitThreshold: circuitThreshold,
	}

	if counter, err := budget.NewTokenCounter(); err == nil {
		c.counter = counter
	} else {
		c.logger.Warn().Err(err).Msg("Token counter unavailable, falling back to length estimate")
	}

	for _, pc := range ordered {
		provider, err := NewProvider(pc)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		c.candidates = append(c.candidates, &candidate{
			provider: provider,
			cooldown: pc.Cooldown(),
		})
	}

	if store != nil {
		snap, err := store.Read()
		if err != nil {
			return nil, fmt.Errorf("failed to restore provider health: %w", err)
		}
		c.circuit = snap.Circuit
		for _, cand := range c.candidates {
			if health, ok := snap.Providers[cand.provider.Name()]; ok {
				cand.cooldownUntil = health.CooldownUntil
				cand.consecutiveFailures = health.ConsecutiveFailures
			}
		}
	}

	return c, nil
}

// NewClientFromProviders builds a client over pre-constructed
// providers sharing one cooldown base, in the given order. Persisted
// health is not restored; the daemon path goes through NewClient.
func NewClientFromProviders(providers []Provider, cooldown time.Duration, circuitThreshold int, store *state.Store, gate SpendGate, events *eventlog.Log, m *metrics.Metrics, logger zerolog.Logger) *Client {
	c := &Client{
		store:            store,
		events:           events,
		metrics:          m,
		gate:             gate,
		logger:           logger.With().Str("component", "llm").Logger(),
		circuitThreshold: circuitThreshold,
	}
	for _, p := range providers {
		c.candidates = append(c.candidates, &candidate{provider: p, cooldown: cooldown})
	}
	return c
}

// Call resolves one logical model call through the chain. The
// returned response is annotated with the serving provider, model and
// estimated cost so exactly one usage event can be emitted per round
// regardless of how many fallback hops occurred.
func (c *Client) Call(ctx context.Context, request Request, opts CallOpts) (*Response, error) {
	c.mu.Lock()
	if c.circuit.Tripped {
		reason := c.circuit.Reason
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, reason)
	}
	chain := make([]*candidate, len(c.candidates))
	copy(chain, c.candidates)
	c.mu.Unlock()

	now := time.Now()
	var lastErr error
	attempted := 0

	for _, cand := range chain {
		name := cand.provider.Name()

		c.mu.Lock()
		skip := cand.disabled || (cand.cooldownUntil != nil && now.Before(*cand.cooldownUntil))
		c.mu.Unlock()
		if skip {
			c.logger.Debug().Str("provider", name).Msg("Skipping provider in cooldown")
			continue
		}

		if c.gate != nil && cand.provider.Paid() {
			if err := c.gate.CanSpend(true, opts.Background); err != nil {
				if errors.Is(err, budget.ErrBudgetExceeded) {
					c.logger.Warn().Str("provider", name).Msg("Budget exhausted, skipping paid provider")
					lastErr = err
					continue
				}
				return nil, err
			}
		}

		attempted++
		response, err := cand.provider.Call(ctx, request)
		if err == nil && !response.Empty() {
			c.recordSuccess(cand)
			c.annotate(response, cand.provider, request)
			if c.metrics != nil {
				c.metrics.ProviderCalls.WithLabelValues(name, "success").Inc()
			}
			return response, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		reason := Classify(err)
		if err == nil {
			err = fmt.Errorf("provider %s returned an empty response", name)
		}
		lastErr = err

		c.logger.Warn().
			Str("provider", name).
			Str("reason", reason).
			Err(err).
			Msg("Provider failed, advancing chain")

		if c.metrics != nil {
			c.metrics.ProviderCalls.WithLabelValues(name, "failure").Inc()
			c.metrics.ProviderFailures.WithLabelValues(name, reason).Inc()
		}

		c.recordFailure(cand, reason)
	}

	if attempted == 0 && lastErr == nil {
		lastErr = fmt.Errorf("no eligible providers (all cooling down or disabled)")
	}

	if err := c.recordChainFailure(ctx); err != nil {
		return nil, err
	}

	return nil, fmt.Errorf("%w: %v", ErrProviderExhausted, lastErr)
}

// NextEligibleAt returns the latest cooldown expiry across the chain.
// The background loop uses it for lazy wakeup planning: when every
// candidate is cooling down, the next useful wakeup is after the LAST
// cooldown ends, not the first.
func (c *Client) NextEligibleAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	var latest time.Time
	for _, cand := range c.candidates {
		if cand.cooldownUntil != nil && cand.cooldownUntil.After(latest) {
			latest = *cand.cooldownUntil
		}
	}
	return latest
}

// AllCooling reports whether no candidate is currently eligible.
func (c *Client) AllCooling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, cand := range c.candidates {
		if cand.disabled {
			continue
		}
		if cand.cooldownUntil == nil || now.After(*cand.cooldownUntil) {
			return false
		}
	}
	return true
}

// Reload re-applies provider cooldown settings from configuration and
// clears auth and permission disables. A disabled candidate stays out
// of rotation until this runs; that is the recovery path for fixed
// credentials.
func (c *Client) Reload(cfgs []config.ProviderConfig) {
	byName := make(map[string]config.ProviderConfig, len(cfgs))
	for _, pc := range cfgs {
		byName[pc.Name] = pc
	}

	c.mu.Lock()
	for _, cand := range c.candidates {
		if pc, ok := byName[cand.provider.Name()]; ok {
			cand.cooldown = pc.Cooldown()
		}
		if cand.disabled {
			c.logger.Info().Str("provider", cand.provider.Name()).Msg("Re-enabling provider after config reload")
			cand.disabled = false
			cand.disabledReason = ""
			cand.consecutiveFailures = 0
		}
	}
	c.mu.Unlock()
}

// CircuitOpen reports whether the breaker is tripped.
func (c *Client) CircuitOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.circuit.Tripped
}

// ResetCircuit closes the breaker and clears the chain failure count.
// Only the control surface calls this; recovery is never implicit.
func (c *Client) ResetCircuit() error {
	c.mu.Lock()
	c.circuit = state.CircuitState{}
	for _, cand := range c.candidates {
		cand.consecutiveFailures = 0
		cand.cooldownUntil = nil
	}
	c.mu.Unlock()

	c.logger.Info().Msg("Circuit breaker reset")
	return c.persistHealth()
}

// recordSuccess resets the candidate's and the chain's failure counts.
func (c *Client) recordSuccess(cand *candidate) {
	c.mu.Lock()
	cand.consecutiveFailures = 0
	cand.cooldownUntil = nil
	c.circuit.ChainFailures = 0
	c.mu.Unlock()

	if err := c.persistHealth(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist provider health")
	}
}

// recordFailure updates one candidate's bookkeeping. Quota and
// upstream failures start an escalating cooldown (base times the
// consecutive failure count); auth and permission failures disable
// the candidate until the configuration is reloaded.
func (c *Client) recordFailure(cand *candidate, reason string) {
	c.mu.Lock()
	cand.consecutiveFailures++
	if coolsDown(reason) {
		until := time.Now().Add(cand.cooldown * time.Duration(cand.consecutiveFailures))
		cand.cooldownUntil = &until
		if c.metrics != nil {
			c.metrics.ProviderCooldowns.WithLabelValues(cand.provider.Name()).Inc()
		}
	}
	if disables(reason) {
		cand.disabled = true
		cand.disabledReason = reason
	}
	c.mu.Unlock()

	if err := c.persistHealth(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist provider health")
	}
}

// recordChainFailure counts a full-chain exhaustion and trips the
// circuit when the configured threshold is reached.
func (c *Client) recordChainFailure(ctx context.Context) error {
	c.mu.Lock()
	c.circuit.ChainFailures++
	trip := c.circuitThreshold > 0 && c.circuit.ChainFailures >= c.circuitThreshold && !c.circuit.Tripped
	if trip {
		now := time.Now().UTC()
		c.circuit.Tripped = true
		c.circuit.TrippedAt = &now
		c.circuit.Reason = fmt.Sprintf("%d consecutive chain-wide failures", c.circuit.ChainFailures)
	}
	failures := c.circuit.ChainFailures
	reason := c.circuit.Reason
	c.mu.Unlock()

	if err := c.persistHealth(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist provider health")
	}

	if !trip {
		c.logger.Warn().Int("chain_failures", failures).Msg("Provider chain exhausted")
		return nil
	}

	c.logger.Error().Str("reason", reason).Msg("Circuit breaker tripped")
	if c.metrics != nil {
		c.metrics.CircuitOpens.Inc()
	}
	if c.events != nil {
		payload := map[string]any{"reason": reason, "chain_failures": failures}
		if _, err := c.events.Append(ctx, eventlog.KindCircuitOpen, "", payload); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to append circuit event")
		}
	}
	return nil
}

// persistHealth mirrors candidate health and circuit state into the
// snapshot. Runs after provider calls complete, never under a call.
func (c *Client) persistHealth() error {
	if c.store == nil {
		return nil
	}

	c.mu.Lock()
	health := make(map[string]*state.ProviderHealth, len(c.candidates))
	for _, cand := range c.candidates {
		h := &state.ProviderHealth{ConsecutiveFailures: cand.consecutiveFailures}
		if cand.cooldownUntil != nil {
			until := *cand.cooldownUntil
			h.CooldownUntil = &until
		}
		health[cand.provider.Name()] = h
	}
	circuit := c.circuit
	c.mu.Unlock()

	return c.store.Mutate(func(s *state.Snapshot) error {
		s.Providers = health
		s.Circuit = circuit
		return nil
	})
}

// annotate fills in provider attribution and estimated cost. When the
// provider reported no usage, token counts are estimated from the
// request and response text.
func (c *Client) annotate(response *Response, provider Provider, request Request) {
	response.Provider = provider.Name()
	response.Model = provider.Model()

	if response.Usage == nil {
		prompt := request.SystemPrompt
		for _, msg := range request.Messages {
			prompt += msg.Content
		}
		response.Usage = &TokenUsage{
			PromptTokens:     c.countTokens(prompt),
			CompletionTokens: c.countTokens(response.Content),
		}
	}

	if provider.Paid() {
		response.CostUSD = budget.EstimateCost(
			provider.Model(),
			response.Usage.PromptTokens,
			response.Usage.CachedTokens,
			response.Usage.CompletionTokens,
		)
	}
}

func (c *Client) countTokens(text string) int {
	if c.counter != nil {
		return c.counter.Count(text)
	}
	return len(text) / 4
}

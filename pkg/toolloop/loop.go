// Package toolloop runs the per-task model/tool execution cycle: call
// the model, resolve the round's tool requests, feed results back,
// repeat until the model answers without tools or a bound is hit.
package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/kestrelhq/kestrel/internal/metrics"
	"github.com/kestrelhq/kestrel/pkg/budget"
	"github.com/kestrelhq/kestrel/pkg/eventlog"
	"github.com/kestrelhq/kestrel/pkg/llm"
	"github.com/kestrelhq/kestrel/pkg/mailbox"
	"github.com/kestrelhq/kestrel/pkg/tools"
)

// Loop states. The loop starts awaiting the model; done, failed and
// timed_out are terminal.
const (
	StateAwaitingModel = "awaiting_model"
	StateAwaitingTools = "awaiting_tools"
	StateDone          = "done"
	StateFailed        = "failed"
	StateTimedOut      = "timed_out"
)

// ErrRoundLimit marks a task that hit the configured round ceiling.
// This is the loop's only hard stop.
var ErrRoundLimit = errors.New("toolloop: round limit reached")

// Client resolves one logical model call. Implemented by llm.Client.
type Client interface {
	Call(ctx context.Context, request llm.Request, opts llm.CallOpts) (*llm.Response, error)
}

// Recorder accepts usage events. Implemented by budget.Accountant.
type Recorder interface {
	Record(ctx context.Context, ev budget.UsageEvent) error
}

// Config bounds and shapes every loop run.
type Config struct {
	MaxRounds        int
	CheckpointRounds []int
	SystemPrompt     string
	Temperature      float64
	MaxTokens        int
	ToolTimeout      time.Duration
}

// Params describe one task's run.
type Params struct {
	TaskID      string
	Description string
	Context     string

	// Mailbox is polled every round; pending owner messages merge into
	// the round's context ahead of the loop's own plan.
	Mailbox *mailbox.Mailbox

	// Background attributes usage to the background budget cap.
	Background bool

	// MaxRounds overrides the configured ceiling when positive. The
	// background loop uses this for its short cycles.
	MaxRounds int

	// Heartbeat is invoked once per round when set.
	Heartbeat func()

	// OnRound reports the current round number when set.
	OnRound func(round int)

	// OnState reports phase transitions within a round when set:
	// StateAwaitingTools while a round's tool calls resolve,
	// StateAwaitingModel once the loop is back to calling the model.
	OnState func(loopState string)
}

// Outcome is the terminal result of one run.
type Outcome struct {
	State  string
	Result string
	Rounds int
}

// Loop executes tasks. One instance is shared by all workers; per-task
// state lives entirely in Run's frame.
type Loop struct {
	client     Client
	registry   *tools.Registry
	accountant Recorder
	events     *eventlog.Log
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	cfg        Config
}

// New creates a loop. accountant, events and m may be nil.
func New(client Client, registry *tools.Registry, accountant Recorder, events *eventlog.Log, m *metrics.Metrics, logger zerolog.Logger, cfg Config) *Loop {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 200
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	return &Loop{
		client:     client,
		registry:   registry,
		accountant: accountant,
		events:     events,
		metrics:    m,
		logger:     logger.With().Str("component", "toolloop").Logger(),
		cfg:        cfg,
	}
}

// Run drives one task to a terminal state. The returned error is nil
// for done; failed and timed_out outcomes carry the cause.
func (l *Loop) Run(ctx context.Context, p Params) (Outcome, error) {
	maxRounds := l.cfg.MaxRounds
	if p.MaxRounds > 0 {
		maxRounds = p.MaxRounds
	}

	logger := l.logger.With().Str("task_id", p.TaskID).Logger()

	messages := []llm.Message{}
	prompt := p.Description
	if p.Context != "" {
		prompt = fmt.Sprintf("%s\n\nContext:\n%s", p.Description, p.Context)
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	toolDefs := l.toolDefs()

	for round := 1; ; round++ {
		if round > maxRounds {
			logger.Warn().Int("max_rounds", maxRounds).Msg("Round limit reached, failing task")
			l.observeRounds(maxRounds)
			return Outcome{State: StateFailed, Rounds: maxRounds},
				fmt.Errorf("%w: %d rounds consumed without completing", ErrRoundLimit, maxRounds)
		}

		if p.Heartbeat != nil {
			p.Heartbeat()
		}
		if p.OnRound != nil {
			p.OnRound(round)
		}

		// Owner messages take priority over whatever the loop planned
		// for this round.
		if p.Mailbox != nil {
			for _, msg := range p.Mailbox.Drain() {
				logger.Info().Str("message_id", msg.ID).Msg("Merging owner message into round context")
				messages = append(messages, llm.Message{
					Role:    llm.RoleUser,
					Content: fmt.Sprintf("[Owner message — address this before continuing]\n%s", msg.Content),
				})
			}
		}

		if l.isCheckpoint(round) {
			messages = append(messages, llm.Message{
				Role:    llm.RoleUser,
				Content: fmt.Sprintf("[Self-check at round %d of %d] Review progress so far: is the current approach still working toward the task? Adjust course if not, then continue.", round, maxRounds),
			})
		}

		response, err := l.client.Call(ctx, llm.Request{
			Messages:     messages,
			Tools:        toolDefs,
			SystemPrompt: l.cfg.SystemPrompt,
			Temperature:  l.cfg.Temperature,
			MaxTokens:    l.cfg.MaxTokens,
		}, llm.CallOpts{Background: p.Background})
		if err != nil {
			l.observeRounds(round)
			if ctx.Err() != nil {
				return Outcome{State: StateTimedOut, Rounds: round}, ctx.Err()
			}
			return Outcome{State: StateFailed, Rounds: round}, fmt.Errorf("model call failed: %w", err)
		}

		l.recordUsage(ctx, p, round, response)

		if len(response.ToolCalls) == 0 {
			logger.Debug().Int("rounds", round).Msg("Task completed")
			l.observeRounds(round)
			return Outcome{State: StateDone, Result: response.Content, Rounds: round}, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		if p.OnState != nil {
			p.OnState(StateAwaitingTools)
		}
		results := l.executeRound(ctx, p.TaskID, response.ToolCalls)
		if p.OnState != nil {
			p.OnState(StateAwaitingModel)
		}
		for i, call := range response.ToolCalls {
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    renderResult(results[i]),
			})
		}
	}
}

// executeRound resolves one round's tool calls. Calls to ordered
// tools run strictly in request order; everything else runs
// concurrently. The next model call waits for all of them.
func (l *Loop) executeRound(ctx context.Context, taskID string, calls []llm.ToolCall) []tools.Result {
	results := make([]tools.Result, len(calls))

	var wg sync.WaitGroup
	var ordered []int

	for i, call := range calls {
		if l.registry.Ordered(call.Name) {
			ordered = append(ordered, i)
			continue
		}
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			results[i] = l.executeOne(ctx, taskID, call)
		}(i, call)
	}

	for _, i := range ordered {
		results[i] = l.executeOne(ctx, taskID, calls[i])
	}

	wg.Wait()
	return results
}

func (l *Loop) executeOne(ctx context.Context, taskID string, call llm.ToolCall) tools.Result {
	result := l.registry.Execute(ctx, call.Name, call.Parameters, l.cfg.ToolTimeout)
	if !result.Success {
		l.logger.Warn().Str("task_id", taskID).Str("tool", call.Name).Str("error", result.Error).Msg("Tool call failed")
		if l.events != nil {
			payload := map[string]any{"tool": call.Name, "error": result.Error}
			if _, err := l.events.Append(ctx, eventlog.KindToolError, taskID, payload); err != nil {
				l.logger.Warn().Err(err).Msg("Failed to append tool error event")
			}
		}
	}
	return result
}

// recordUsage emits the round's single budget event. The event id is
// minted here so a retried Record can never double-bill, and fallback
// hops inside the client never surface as extra events.
func (l *Loop) recordUsage(ctx context.Context, p Params, round int, response *llm.Response) {
	if l.accountant == nil {
		return
	}
	// Rounds whose response reports no usage at all (free local paths
	// that omit counters) leave no ledger entry.
	if response.Usage == nil && response.CostUSD == 0 {
		return
	}

	eventID, err := gonanoid.New()
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to mint usage event id")
		return
	}

	ev := budget.UsageEvent{
		EventID:    eventID,
		TaskID:     p.TaskID,
		Background: p.Background,
		Provider:   response.Provider,
		Model:      response.Model,
		CostUSD:    response.CostUSD,
		Round:      round,
	}
	if response.Usage != nil {
		ev.PromptTokens = response.Usage.PromptTokens
		ev.CachedTokens = response.Usage.CachedTokens
		ev.CompletionTokens = response.Usage.CompletionTokens
	}

	if err := l.accountant.Record(ctx, ev); err != nil {
		l.logger.Error().Err(err).Str("event_id", eventID).Msg("Failed to record usage event")
	}
}

func (l *Loop) toolDefs() []llm.ToolDef {
	if l.registry == nil {
		return nil
	}
	defs := []llm.ToolDef{}
	for _, name := range l.registry.List() {
		desc, schema, ok := l.registry.Describe(name)
		if !ok {
			continue
		}
		defs = append(defs, llm.ToolDef{Name: name, Description: desc, InputSchema: schema})
	}
	return defs
}

func (l *Loop) isCheckpoint(round int) bool {
	for _, cp := range l.cfg.CheckpointRounds {
		if cp == round {
			return true
		}
	}
	return false
}

func (l *Loop) observeRounds(rounds int) {
	if l.metrics != nil {
		l.metrics.RoundsPerTask.Observe(float64(rounds))
	}
}

// renderResult flattens a tool result into message content. Errors
// come back as data for the model to react to.
func renderResult(result tools.Result) string {
	if !result.Success {
		return fmt.Sprintf("Error: %s", result.Error)
	}
	if s, ok := result.Output.(string); ok {
		return s
	}
	data, err := json.Marshal(result.Output)
	if err != nil {
		return fmt.Sprintf("%v", result.Output)
	}
	return string(data)
}

// Package planner runs the bounded reasoning loop for one turn: ask
// the model, execute the tool calls it requests, thread results back,
// and stop on a final answer or the round cap.
package planner

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/meridianhq/meridian/pkg/access"
	"github.com/meridianhq/meridian/pkg/auth"
	"github.com/meridianhq/meridian/pkg/llm"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/protocol"
)

// TruncationMessage is the reply recorded when the round cap is hit
// before the model produces a final answer.
const TruncationMessage = "I wasn't able to complete your request within the allowed planning rounds."

// FailureMessage is the reply recorded when the turn fails for a
// reason the caller cannot act on.
const FailureMessage = "I ran into an error while processing your request and couldn't complete it."

const defaultSystemPrompt = "You are a helpful assistant. Use the available tools to answer the " +
	"user's question. Call tools when you need information you do not have. " +
	"When you have enough information, answer directly without calling more tools."

// ToolInvoker executes one tool call and returns its lineage record.
type ToolInvoker interface {
	Invoke(ctx context.Context, step int, call protocol.ToolCall, accessCtx *auth.AccessContext, surface *access.Surface) protocol.LineageRecord
}

// Planner drives the per-turn reasoning loop.
type Planner struct {
	model        llm.Model
	invoker      ToolInvoker
	maxRounds    int
	modelTimeout time.Duration
	turnTimeout  time.Duration
	systemPrompt string
}

type Option func(*Planner)

func WithSystemPrompt(prompt string) Option {
	return func(p *Planner) {
		p.systemPrompt = prompt
	}
}

func New(model llm.Model, inv ToolInvoker, maxRounds int, modelTimeout, turnTimeout time.Duration, opts ...Option) *Planner {
	p := &Planner{
		model:        model,
		invoker:      inv,
		maxRounds:    maxRounds,
		modelTimeout: modelTimeout,
		turnTimeout:  turnTimeout,
		systemPrompt: defaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result is the outcome of one completed turn.
type Result struct {
	Response      string
	Success       bool
	Truncated     bool
	Rounds        int
	ProvidersUsed []string
	Lineage       []protocol.LineageRecord
	DurationMS    int64
}

// Metadata returns the result's execution metadata.
func (r *Result) Metadata() protocol.ExecutionMetadata {
	return protocol.ExecutionMetadata{
		Rounds:        r.Rounds,
		ProvidersUsed: r.ProvidersUsed,
		DurationMS:    r.DurationMS,
		Lineage:       r.Lineage,
	}
}

// Run executes one turn. It returns an error only when the caller's
// context is cancelled; every other failure, including reasoning
// errors and the turn timeout, is reported as a failed Result so the
// turn can still be persisted.
func (p *Planner) Run(ctx context.Context, history []protocol.Message, question string, accessCtx *auth.AccessContext, surface *access.Surface) (*Result, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("meridian.planner")
	ctx, span := tracer.Start(ctx, observability.SpanTurn)
	defer span.End()

	turnCtx, cancel := context.WithTimeout(ctx, p.turnTimeout)
	defer cancel()

	messages := make([]protocol.Message, 0, len(history)+2)
	messages = append(messages, protocol.Message{Role: protocol.RoleSystem, Content: p.systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, protocol.Message{Role: protocol.RoleUser, Content: question})

	tools := definitions(surface)

	result := &Result{ProvidersUsed: []string{}}
	providers := make(map[string]struct{})

	defer func() {
		result.DurationMS = time.Since(startTime).Milliseconds()
		result.ProvidersUsed = sortedKeys(providers)
		span.SetAttributes(
			attribute.Int(observability.AttrRound, result.Rounds),
			attribute.Bool("turn.success", result.Success),
		)
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			var turnErr error
			if !result.Success {
				turnErr = errors.New(result.Response)
			}
			metrics.RecordTurn(ctx, time.Since(startTime), result.Rounds, turnErr)
		}
	}()

	for round := 1; round <= p.maxRounds; round++ {
		result.Rounds = round

		completion, err := p.plan(turnCtx, messages, tools, round)
		if err != nil {
			if ctx.Err() != nil {
				// Caller went away. The turn is abandoned, not failed.
				return nil, ctx.Err()
			}
			slog.Error("Turn failed", "round", round, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			result.Response = FailureMessage
			return result, nil
		}

		if len(completion.ToolCalls) == 0 {
			result.Response = completion.Content
			result.Success = true
			return result, nil
		}

		messages = append(messages, protocol.Message{
			Role:      protocol.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		})

		ordered, records := p.executeRound(turnCtx, completion.ToolCalls, len(result.Lineage), accessCtx, surface)
		for i, record := range records {
			result.Lineage = append(result.Lineage, record)
			if record.ProviderID != "" {
				providers[record.ProviderID] = struct{}{}
			}
			messages = append(messages, protocol.Message{
				Role:       protocol.RoleTool,
				Content:    record.ResultPayload(),
				ToolCallID: ordered[i].ID,
			})
		}
	}

	slog.Warn("Turn truncated at round cap", "max_rounds", p.maxRounds)
	result.Response = TruncationMessage
	result.Truncated = true
	return result, nil
}

func (p *Planner) plan(ctx context.Context, messages []protocol.Message, tools []llm.ToolDefinition, round int) (*llm.Completion, error) {
	tracer := observability.GetTracer("meridian.planner")
	ctx, span := tracer.Start(ctx, observability.SpanPlanRound,
		trace.WithAttributes(attribute.Int(observability.AttrRound, round)),
	)
	defer span.End()

	modelCtx, cancel := context.WithTimeout(ctx, p.modelTimeout)
	defer cancel()

	return p.model.Generate(modelCtx, messages, tools)
}

// executeRound fans the round's tool calls out in parallel and returns
// their records ordered by tool call id, so conversation appends and
// step numbers are deterministic regardless of completion order.
func (p *Planner) executeRound(ctx context.Context, calls []protocol.ToolCall, lineageLen int, accessCtx *auth.AccessContext, surface *access.Surface) ([]protocol.ToolCall, []protocol.LineageRecord) {
	ordered := make([]protocol.ToolCall, len(calls))
	copy(ordered, calls)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].ID < ordered[j].ID
	})

	records := make([]protocol.LineageRecord, len(ordered))

	var wg sync.WaitGroup
	for i, call := range ordered {
		wg.Add(1)
		go func() {
			defer wg.Done()
			records[i] = p.invoker.Invoke(ctx, lineageLen+i+1, call, accessCtx, surface)
		}()
	}
	wg.Wait()

	return ordered, records
}

func definitions(surface *access.Surface) []llm.ToolDefinition {
	tools := surface.Tools()
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	return defs
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

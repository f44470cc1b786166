// Package invoker executes tool calls against providers. It owns
// argument validation, result caching, deduplication of identical
// in-flight calls, and the lineage record for every call.
package invoker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/meridianhq/meridian/pkg/access"
	"github.com/meridianhq/meridian/pkg/auth"
	"github.com/meridianhq/meridian/pkg/httpclient"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/protocol"
	"github.com/meridianhq/meridian/pkg/registry"
)

const summaryLimit = 200

// Cache stores tool results keyed by the scoped call digest.
type Cache interface {
	CacheGet(ctx context.Context, key string) (value any, ok bool, err error)
	CachePut(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Invoker dispatches tool calls through the registry's call clients.
type Invoker struct {
	registry    *registry.Registry
	cache       Cache
	cacheTTL    time.Duration
	callTimeout time.Duration

	flight  singleflight.Group
	schemas schemaCache
}

func New(reg *registry.Registry, cache Cache, cacheTTL, callTimeout time.Duration) *Invoker {
	return &Invoker{
		registry:    reg,
		cache:       cache,
		cacheTTL:    cacheTTL,
		callTimeout: callTimeout,
	}
}

type flightResult struct {
	result  any
	callErr *registry.CallError
}

// Invoke runs one tool call and returns its lineage record. Failures
// are recorded in the lineage rather than returned: every outcome,
// including unknown tools and transport exhaustion, becomes a record
// the planner threads back to the model.
func (inv *Invoker) Invoke(ctx context.Context, step int, call protocol.ToolCall, accessCtx *auth.AccessContext, surface *access.Surface) protocol.LineageRecord {
	startTime := time.Now()

	tracer := observability.GetTracer("meridian.invoker")
	ctx, span := tracer.Start(ctx, observability.SpanToolCall,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, call.Name),
		),
	)
	defer span.End()

	record := protocol.LineageRecord{
		Step:      step,
		ToolName:  call.Name,
		Arguments: call.Arguments,
		Timestamp: startTime.UTC(),
	}

	tool, ok := surface.Lookup(call.Name)
	if !ok {
		// Tools outside the caller's surface never reach a provider.
		return inv.fail(ctx, span, &record, startTime, protocol.KindUnknownTool,
			fmt.Sprintf("unknown tool: %s", call.Name))
	}
	record.ProviderID = tool.ProviderID
	span.SetAttributes(attribute.String(observability.AttrProviderID, tool.ProviderID))

	if err := inv.schemas.validate(tool, call.Arguments); err != nil {
		return inv.fail(ctx, span, &record, startTime, protocol.KindInvalidArguments, err.Error())
	}

	// The key is computed before access_context injection and includes
	// the caller's scope hash, so results never leak across
	// authorization scopes.
	key := cacheKey(tool.ProviderID, tool.Name, call.Arguments, accessCtx)

	if inv.cache != nil {
		value, ok, err := inv.cache.CacheGet(ctx, key)
		if err != nil {
			slog.Warn("Cache lookup failed", "tool", call.Name, "error", err)
		} else if ok {
			record.Outcome = protocol.OutcomeCached
			record.Result = value
			record.Summary = protocol.Summarize(value, summaryLimit)
			inv.finish(ctx, span, &record, startTime, true)
			return record
		}
	}

	// The cache write happens inside the flight function so a burst of
	// identical cold calls still produces exactly one cache entry. Only
	// the caller whose closure ran dispatched; the rest piggybacked.
	dispatched := false
	value, err, _ := inv.flight.Do(key, func() (any, error) {
		dispatched = true
		flight, err := inv.dispatch(ctx, tool, call.Arguments, accessCtx)
		if err != nil {
			return nil, err
		}
		if flight.callErr == nil && inv.cache != nil {
			if err := inv.cache.CachePut(ctx, key, flight.result, inv.cacheTTL); err != nil {
				slog.Warn("Cache write failed", "tool", call.Name, "error", err)
			}
		}
		return flight, nil
	})
	if err != nil {
		if httpclient.IsTransportError(err) {
			return inv.fail(ctx, span, &record, startTime, protocol.KindTransportError, err.Error())
		}
		return inv.fail(ctx, span, &record, startTime, protocol.KindToolError, err.Error())
	}

	flight := value.(*flightResult)
	if flight.callErr != nil {
		kind := flight.callErr.Kind
		if kind == "" {
			kind = protocol.KindToolError
		}
		return inv.fail(ctx, span, &record, startTime, kind, flight.callErr.Message)
	}

	if dispatched {
		record.Outcome = protocol.OutcomeSuccess
	} else {
		record.Outcome = protocol.OutcomeCached
	}
	record.Result = flight.result
	record.Summary = protocol.Summarize(flight.result, summaryLimit)
	inv.finish(ctx, span, &record, startTime, !dispatched)
	return record
}

func (inv *Invoker) dispatch(ctx context.Context, tool registry.ToolSchema, arguments map[string]any, accessCtx *auth.AccessContext) (*flightResult, error) {
	caller, ok := inv.registry.Caller(tool.ProviderID)
	if !ok {
		return nil, registry.NewRegistryError("Invoker", "dispatch",
			fmt.Sprintf("no client for provider %s", tool.ProviderID), nil)
	}

	// The provider sees the caller identity under access_context,
	// overwriting any model-supplied value of the same name.
	sent := make(map[string]any, len(arguments)+1)
	for k, v := range arguments {
		sent[k] = v
	}
	if accessCtx != nil {
		sent["access_context"] = accessCtx.Wire()
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.callTimeout)
	defer cancel()

	result, callErr, err := caller.CallTool(callCtx, tool.Name, sent)
	if err != nil {
		return nil, err
	}
	return &flightResult{result: result, callErr: callErr}, nil
}

func (inv *Invoker) fail(ctx context.Context, span trace.Span, record *protocol.LineageRecord, startTime time.Time, kind, message string) protocol.LineageRecord {
	record.Outcome = protocol.OutcomeError
	record.ErrorKind = kind
	record.Result = map[string]any{
		"error": map[string]any{"message": message, "kind": kind},
	}
	record.Summary = protocol.Summarize(record.Result, summaryLimit)
	record.DurationMS = time.Since(startTime).Milliseconds()

	span.SetAttributes(attribute.String(observability.AttrErrorKind, kind))
	span.SetStatus(codes.Error, message)

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordToolCall(ctx, record.ToolName, time.Since(startTime), false, fmt.Errorf("%s", message))
	}
	return *record
}

func (inv *Invoker) finish(ctx context.Context, span trace.Span, record *protocol.LineageRecord, startTime time.Time, cached bool) {
	record.DurationMS = time.Since(startTime).Milliseconds()

	span.SetAttributes(
		attribute.Bool(observability.AttrCacheHit, cached),
		attribute.Int64("tool.duration_ms", record.DurationMS),
	)

	if record.Outcome != protocol.OutcomeError {
		span.SetStatus(codes.Ok, "")
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordToolCall(ctx, record.ToolName, time.Since(startTime), cached, nil)
		}
	}
}

// cacheKey digests the provider, tool, canonical arguments and the
// caller's scope hash. json.Marshal sorts map keys, so argument order
// never affects the key.
func cacheKey(providerID, toolName string, arguments map[string]any, accessCtx *auth.AccessContext) string {
	args, err := json.Marshal(arguments)
	if err != nil {
		args = []byte("{}")
	}

	scope := ""
	if accessCtx != nil {
		scope = accessCtx.ScopeHash()
	}

	h := sha256.New()
	h.Write([]byte(providerID))
	h.Write([]byte{0})
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(args)
	h.Write([]byte{0})
	h.Write([]byte(scope))
	return hex.EncodeToString(h.Sum(nil))
}

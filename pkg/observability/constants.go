package observability

const (
	AttrToolName   = "tool.name"
	AttrProviderID = "provider.id"
	AttrModelName  = "model.name"
	AttrSessionID  = "session.id"
	AttrTurnID     = "turn.id"
	AttrRound      = "planner.round"
	AttrCacheHit   = "tool.cache_hit"
	AttrErrorKind  = "error.kind"
	AttrTokensUsed = "model.tokens_used"

	SpanTurn          = "orchestrator.turn"
	SpanPlanRound     = "orchestrator.plan_round"
	SpanModelRequest  = "orchestrator.model_request"
	SpanToolCall      = "orchestrator.tool_call"
	SpanToolDiscovery = "orchestrator.tool_discovery"

	DefaultServiceName = "meridian"
)

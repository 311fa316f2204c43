package instrumentation

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Span and metric attribute keys. Only metadata is ever recorded; token
// secrets never reach telemetry.
const (
	AttrClientID    = "auth.client_id"
	AttrAuthority   = "auth.authority"
	AttrScope       = "auth.scope"
	AttrGrantType   = "auth.grant_type"
	AttrTokenSource = "auth.token_source" // cache, refresh, network, broker, interactive
	AttrTokenType   = "auth.token_type"
	AttrError       = "auth.error"
	AttrThrottled   = "auth.throttled"
)

// Metrics holds the metric instruments for the acquisition pipeline.
type Metrics struct {
	// Cache
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// Token endpoint
	TokenEndpointCalls    metric.Int64Counter
	TokenEndpointDuration metric.Float64Histogram
	SilentRefreshTotal    metric.Int64Counter

	// Throttling and locking
	ThrottleRejections metric.Int64Counter
	LockTimeouts       metric.Int64Counter

	// Persistence
	PersistFailures metric.Int64Counter

	// Credential bindings
	BindingRotations metric.Int64Counter

	// Fallbacks to external collaborators
	InteractiveFallbacks metric.Int64Counter
	BrokerInvocations    metric.Int64Counter
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	var err error

	cacheMeter := inst.Meter("cache")
	if m.CacheHits, err = cacheMeter.Int64Counter(
		"auth.cache.hits",
		metric.WithDescription("Token requests satisfied from the cache"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache.hits counter: %w", err)
	}
	if m.CacheMisses, err = cacheMeter.Int64Counter(
		"auth.cache.misses",
		metric.WithDescription("Token requests requiring a network round trip"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache.misses counter: %w", err)
	}
	if m.PersistFailures, err = cacheMeter.Int64Counter(
		"auth.cache.persist.failures",
		metric.WithDescription("Cache persistence failures after successful acquisitions"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache.persist.failures counter: %w", err)
	}
	if m.LockTimeouts, err = cacheMeter.Int64Counter(
		"auth.cache.lock.timeouts",
		metric.WithDescription("Cross-process lock acquisitions that failed open"),
		metric.WithUnit("{timeout}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache.lock.timeouts counter: %w", err)
	}

	endpointMeter := inst.Meter("endpoint")
	if m.TokenEndpointCalls, err = endpointMeter.Int64Counter(
		"auth.endpoint.calls",
		metric.WithDescription("Token endpoint round trips"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create endpoint.calls counter: %w", err)
	}
	if m.TokenEndpointDuration, err = endpointMeter.Float64Histogram(
		"auth.endpoint.duration",
		metric.WithDescription("Token endpoint call duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create endpoint.duration histogram: %w", err)
	}
	if m.SilentRefreshTotal, err = endpointMeter.Int64Counter(
		"auth.refresh.silent",
		metric.WithDescription("Silent refresh attempts"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create refresh.silent counter: %w", err)
	}

	throttleMeter := inst.Meter("throttle")
	if m.ThrottleRejections, err = throttleMeter.Int64Counter(
		"auth.throttle.rejections",
		metric.WithDescription("Requests short-circuited by the throttling gate"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create throttle.rejections counter: %w", err)
	}

	bindingMeter := inst.Meter("binding")
	if m.BindingRotations, err = bindingMeter.Int64Counter(
		"auth.binding.rotations",
		metric.WithDescription("Credential binding rotations performed"),
		metric.WithUnit("{rotation}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create binding.rotations counter: %w", err)
	}

	collabMeter := inst.Meter("collaborator")
	if m.InteractiveFallbacks, err = collabMeter.Int64Counter(
		"auth.interactive.fallbacks",
		metric.WithDescription("Silent flows that fell back to interactive UI"),
		metric.WithUnit("{fallback}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create interactive.fallbacks counter: %w", err)
	}
	if m.BrokerInvocations, err = collabMeter.Int64Counter(
		"auth.broker.invocations",
		metric.WithDescription("Acquisitions delegated to an OS broker"),
		metric.WithUnit("{invocation}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create broker.invocations counter: %w", err)
	}

	return m, nil
}

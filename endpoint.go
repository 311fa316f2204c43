package authclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/giantswarm/authclient/instrumentation"
)

// maxTokenResponseSize bounds the token endpoint response body.
const maxTokenResponseSize = 1 << 20

// tokenEndpointClient performs the form-encoded POST to the token endpoint
// and maps the response onto the library's error taxonomy. An optional
// outbound rate limiter smooths bursts before they ever reach the wire; the
// throttling gate above it handles failure backoff.
type tokenEndpointClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	instr      *instrumentation.Instrumentation
}

func newTokenEndpointClient(httpClient *http.Client, perSecond, burst int, logger *slog.Logger, instr *instrumentation.Instrumentation) *tokenEndpointClient {
	var limiter *rate.Limiter
	if perSecond > 0 {
		if burst <= 0 {
			burst = perSecond
		}
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &tokenEndpointClient{
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
		instr:      instr,
	}
}

// roundTrip posts the grant parameters and returns the parsed response. A
// provider rejection comes back as *ServiceError or *UIRequiredError; the
// caller never sees a half-parsed body.
func (c *tokenEndpointClient) roundTrip(ctx context.Context, endpoint string, body url.Values, correlationID string) (*TokenResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for endpoint rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("client-request-id", correlationID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)

	m := c.instr.Metrics()
	m.TokenEndpointCalls.Add(ctx, 1)
	m.TokenEndpointDuration.Record(ctx, float64(elapsed.Milliseconds()))

	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close token response body", "error", err)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	var parsed TokenResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &ServiceError{
			StatusCode:    resp.StatusCode,
			ErrorCode:     ErrorCodeServerError,
			Description:   fmt.Sprintf("unparsable token response: %v", err),
			CorrelationID: correlationID,
		}
	}

	if resp.StatusCode == http.StatusOK && parsed.Error == "" {
		return &parsed, nil
	}

	se := &ServiceError{
		StatusCode:    resp.StatusCode,
		ErrorCode:     parsed.Error,
		SubError:      parsed.SubError,
		Description:   parsed.ErrorDescription,
		Claims:        parsed.Claims,
		CorrelationID: correlationID,
		RetryAfter:    parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	if se.ErrorCode == "" {
		se.ErrorCode = ErrorCodeServerError
	}
	if se.interactionRequired() {
		return nil, NewUIRequiredError(se)
	}
	return nil, se
}

// parseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

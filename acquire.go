package authclient

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/giantswarm/authclient/binding"
	"github.com/giantswarm/authclient/cache"
	"github.com/giantswarm/authclient/discovery"
	"github.com/giantswarm/authclient/instrumentation"
	"github.com/giantswarm/authclient/throttle"
)

// ErrUserCancelled is returned when the user abandons an interactive or
// broker authentication.
var ErrUserCancelled = errors.New("authclient: user cancelled authentication")

// AcquireTokenSilent returns a token without user interaction: from the
// cache when a usable access token exists, otherwise through a
// refresh-token exchange (including the family fallback), otherwise through
// the broker's silent path. When none of those can complete it returns
// *UIRequiredError, the signal to call AcquireTokenInteractive.
func (c *Client) AcquireTokenSilent(ctx context.Context, req *SilentRequest) (*AuthResult, error) {
	if req == nil || len(req.Scopes) == 0 {
		return nil, NewClientError("AcquireTokenSilent requires at least one scope")
	}
	if req.Account == nil {
		return nil, NewClientError("AcquireTokenSilent requires an account; use Accounts to enumerate")
	}

	correlationID := uuid.NewString()
	ctx, span := c.instr.Tracer("client").Start(ctx, "AcquireTokenSilent")
	defer span.End()

	authority, entry, err := c.resolveAuthority(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	realm := authority.Tenant
	c.ensureLoaded(ctx)

	query := cache.TokenQuery{
		HomeAccountID: req.Account.HomeAccountID,
		EnvAliases:    entry.Aliases,
		Realm:         realm,
		ClientID:      c.cfg.ClientID,
		Scopes:        req.Scopes,
		TokenType:     req.TokenType,
	}

	m := c.instr.Metrics()
	attrs := metric.WithAttributes(
		attribute.String(instrumentation.AttrClientID, c.cfg.ClientID),
		attribute.String(instrumentation.AttrAuthority, authority.Host),
	)

	// A claims challenge invalidates any cached token by definition.
	if !req.ForceRefresh && req.Claims == "" {
		if at, ok := c.model.ReadAccessToken(query, c.now(), c.clockSkew()); ok {
			m.CacheHits.Add(ctx, 1, attrs)
			return c.resultFromCache(at, query), nil
		}
	}
	m.CacheMisses.Add(ctx, 1, attrs)

	// Silent refresh via a cached refresh token, family fallback
	// included.
	var uiRequired *UIRequiredError
	if rt, ok := c.model.ReadRefreshToken(query); ok {
		m.SilentRefreshTotal.Add(ctx, 1, attrs)
		result, err := c.redeemRefreshToken(ctx, authority, entry, realm, req, rt, correlationID)
		if err == nil {
			return result, nil
		}
		if !errors.As(err, &uiRequired) {
			// Transient or hard service failure: surface as-is,
			// the caller decides about retrying.
			return nil, err
		}
		// Interaction required: fall through to the broker.
	}

	if c.cfg.Broker != nil && c.cfg.Broker.IsInvokable(authorityType(authority)) {
		m.BrokerInvocations.Add(ctx, 1, attrs)
		res, err := c.cfg.Broker.AcquireSilent(ctx, req)
		if err != nil {
			return nil, err
		}
		switch res.Outcome {
		case OutcomeSuccess:
			return c.commitResponse(ctx, res.Response, entry, realm, req.Scopes, "", correlationID)
		case OutcomeCancelled:
			return nil, ErrUserCancelled
		case OutcomeFailure:
			return nil, res.Err
		}
		// OutcomeUIRequired falls through.
	}

	// Surface the provider's own interaction signal when the refresh
	// exchange produced one; it carries the suberror and claims the
	// interactive flow needs.
	if uiRequired != nil {
		return nil, uiRequired
	}
	return nil, NewUIRequiredError(&ServiceError{
		ErrorCode:     ErrorCodeInteractionReq,
		Description:   "no usable cached credential for the request; user interaction is required",
		CorrelationID: correlationID,
	})
}

// AcquireTokenInteractive obtains a token with user participation. The
// broker is preferred when it declares itself invokable for the authority
// type; otherwise the configured interactive collaborator runs. The core
// never renders UI, it only routes to collaborators and consumes their
// results.
func (c *Client) AcquireTokenInteractive(ctx context.Context, req *InteractiveRequest) (*AuthResult, error) {
	if req == nil || len(req.Scopes) == 0 {
		return nil, NewClientError("AcquireTokenInteractive requires at least one scope")
	}

	correlationID := uuid.NewString()
	ctx, span := c.instr.Tracer("client").Start(ctx, "AcquireTokenInteractive")
	defer span.End()

	authority, entry, err := c.resolveAuthority(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	realm := authority.Tenant
	c.ensureLoaded(ctx)

	m := c.instr.Metrics()

	if c.cfg.Broker != nil && c.cfg.Broker.IsInvokable(authorityType(authority)) {
		m.BrokerInvocations.Add(ctx, 1)
		res, err := c.cfg.Broker.AcquireInteractive(ctx, req)
		if err != nil {
			return nil, err
		}
		switch res.Outcome {
		case OutcomeSuccess:
			return c.commitResponse(ctx, res.Response, entry, realm, req.Scopes, "", correlationID)
		case OutcomeCancelled:
			return nil, ErrUserCancelled
		case OutcomeFailure:
			return nil, res.Err
		}
		// The broker bounced the request back to UI; run the
		// interactive collaborator.
	}

	if c.cfg.Interactive == nil {
		return nil, NewClientError("no interactive collaborator configured")
	}
	m.InteractiveFallbacks.Add(ctx, 1)

	res, err := c.cfg.Interactive.Acquire(ctx, req)
	if err != nil {
		return nil, err
	}
	switch res.Outcome {
	case OutcomeSuccess:
		return c.commitResponse(ctx, res.Response, entry, realm, req.Scopes, "", correlationID)
	case OutcomeCancelled:
		return nil, ErrUserCancelled
	case OutcomeFailure:
		return nil, res.Err
	default:
		return nil, NewUIRequiredError(&ServiceError{
			ErrorCode:     ErrorCodeInteractionReq,
			Description:   "interactive collaborator could not complete authentication",
			CorrelationID: correlationID,
		})
	}
}

// AcquireTokenForClient obtains an app-only token using the confidential
// client credential (client_credentials grant).
func (c *Client) AcquireTokenForClient(ctx context.Context, req *ClientCredentialRequest) (*AuthResult, error) {
	if req == nil || len(req.Scopes) == 0 {
		return nil, NewClientError("AcquireTokenForClient requires at least one scope")
	}
	if c.cfg.ClientSecret == "" && c.cfg.ClientAssertion == "" {
		return nil, NewClientError("AcquireTokenForClient requires a client secret or assertion")
	}

	correlationID := uuid.NewString()
	ctx, span := c.instr.Tracer("client").Start(ctx, "AcquireTokenForClient")
	defer span.End()

	authority, entry, err := c.resolveAuthority(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	realm := authority.Tenant
	c.ensureLoaded(ctx)

	query := cache.TokenQuery{
		EnvAliases: entry.Aliases,
		Realm:      realm,
		ClientID:   c.cfg.ClientID,
		Scopes:     req.Scopes,
	}

	m := c.instr.Metrics()
	if !req.SkipCache && req.Claims == "" {
		if at, ok := c.model.ReadAccessToken(query, c.now(), c.clockSkew()); ok {
			m.CacheHits.Add(ctx, 1)
			return c.resultFromCache(at, query), nil
		}
	}
	m.CacheMisses.Add(ctx, 1)

	body := url.Values{}
	body.Set("grant_type", "client_credentials")
	body.Set("client_id", c.cfg.ClientID)
	body.Set("scope", cache.TargetString(req.Scopes))
	c.applyClientCredential(body)
	if req.Claims != "" {
		body.Set("claims", req.Claims)
	}

	resp, err := c.tokenCall(ctx, authority.TokenEndpoint(discovery.Region()), body, correlationID)
	if err != nil {
		return nil, err
	}
	return c.commitResponse(ctx, resp, entry, realm, req.Scopes, "", correlationID)
}

// redeemRefreshToken performs the refresh_token grant for a silent request.
func (c *Client) redeemRefreshToken(ctx context.Context, authority *discovery.Authority, entry *discovery.MetadataEntry, realm string, req *SilentRequest, rt cache.RefreshTokenRecord, correlationID string) (*AuthResult, error) {
	body := url.Values{}
	body.Set("grant_type", "refresh_token")
	body.Set("client_id", c.cfg.ClientID)
	body.Set("refresh_token", rt.Secret)
	body.Set("scope", cache.TargetString(req.Scopes))
	c.applyClientCredential(body)
	if req.Claims != "" {
		body.Set("claims", req.Claims)
	}
	var keyID string
	if req.TokenType != "" && !strings.EqualFold(req.TokenType, cache.TokenTypeBearer) {
		bound, err := c.ensureBinding(bindingKey(realm, req.Account.HomeAccountID, c.cfg.ClientID, req.TokenType))
		if err != nil {
			return nil, err
		}
		body.Set("req_cnf", bound.KeyID)
		body.Set("token_type", req.TokenType)
		keyID = bound.KeyID
	}

	resp, err := c.tokenCall(ctx, authority.TokenEndpoint(discovery.Region()), body, correlationID)
	if err != nil {
		return nil, err
	}
	return c.commitResponse(ctx, resp, entry, realm, req.Scopes, keyID, correlationID)
}

// tokenCall sends one gated token-endpoint request. While a backoff window
// for this request shape is open the previous failure is replayed as
// *ThrottledError without network traffic; retryable failures open or
// extend the window and success closes it.
func (c *Client) tokenCall(ctx context.Context, endpoint string, body url.Values, correlationID string) (*TokenResponse, error) {
	sig := throttle.Signature(endpoint, body)

	if prior, throttled := c.gate.Check(sig); throttled {
		c.instr.Metrics().ThrottleRejections.Add(ctx, 1)
		c.logger.Debug("Token request throttled, replaying previous failure",
			"correlation_id", correlationID)
		return nil, &ThrottledError{Wrapped: prior}
	}

	resp, err := c.endpoint.roundTrip(ctx, endpoint, body, correlationID)
	if err != nil {
		var se *ServiceError
		if errors.As(err, &se) && se.Retryable() {
			c.gate.RecordFailure(sig, err, se.RetryAfter)
		}
		return nil, err
	}
	c.gate.RecordSuccess(sig)
	return resp, nil
}

// applyClientCredential attaches the confidential client credential, if
// any, to the request body.
func (c *Client) applyClientCredential(body url.Values) {
	switch {
	case c.cfg.ClientAssertion != "":
		body.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
		body.Set("client_assertion", c.cfg.ClientAssertion)
	case c.cfg.ClientSecret != "":
		body.Set("client_secret", c.cfg.ClientSecret)
	}
}

// ensureBinding returns the current bound key for a PoP/mTLS request,
// generating one on first use. Callers derive the key through bindingKey
// so store and lookup always agree.
func (c *Client) ensureBinding(key binding.Key) (*binding.Entry, error) {
	if entry, ok := c.bindings.TryGetLatest(key, c.now()); ok {
		return entry, nil
	}
	if c.cfg.BindingGenerator == nil {
		return nil, NewClientError("token type %q requires a binding generator", key.TokenType)
	}
	entry, err := c.cfg.BindingGenerator(key)
	if err != nil {
		return nil, NewClientError("generating credential binding: %v", err)
	}
	c.bindings.Put(key, entry)
	return entry, nil
}

// commitResponse turns a successful token response into cache records,
// persists them, and builds the caller's result. This is the single
// write-back path for network, broker and interactive outcomes. keyID is
// the proof-of-possession key the request was bound to; empty for bearer
// tokens and for exchanges an external collaborator performed.
func (c *Client) commitResponse(ctx context.Context, resp *TokenResponse, entry *discovery.MetadataEntry, realm string, requestedScopes []string, keyID string, correlationID string) (*AuthResult, error) {
	if resp == nil || resp.AccessToken == "" {
		return nil, &ServiceError{
			ErrorCode:     ErrorCodeServerError,
			Description:   "token response carried no access token",
			CorrelationID: correlationID,
		}
	}

	now := c.now()
	env := entry.PreferredCache

	var claims *idTokenClaims
	if resp.IDToken != "" {
		var err error
		if claims, err = parseIDToken(resp.IDToken); err != nil {
			// A bad ID token degrades the account record, not the
			// acquisition.
			c.logger.Warn("Unparsable id token in response", "error", err)
		}
	}
	homeID := homeAccountID(resp.ClientInfo, claims)

	target := resp.Scope
	if target == "" {
		target = cache.TargetString(requestedScopes)
	} else {
		target = cache.TargetString(strings.Split(resp.Scope, " "))
	}
	respTokenType := resp.TokenType
	if respTokenType == "" {
		respTokenType = cache.TokenTypeBearer
	}

	expiresOn := now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	at := cache.AccessTokenRecord{
		HomeAccountID:  homeID,
		Environment:    env,
		Realm:          realm,
		CredentialType: cache.CredentialTypeAccessToken,
		ClientID:       c.cfg.ClientID,
		Secret:         resp.AccessToken,
		Target:         target,
		TokenType:      respTokenType,
		KeyID:          keyID,
		CachedAt:       now.Unix(),
		ExpiresOn:      expiresOn.Unix(),
	}
	if resp.ExtExpiresIn > 0 {
		at.ExtendedExpiresOn = now.Add(time.Duration(resp.ExtExpiresIn) * time.Second).Unix()
	}
	c.model.UpsertAccessToken(at)

	if resp.RefreshToken != "" {
		c.model.UpsertRefreshToken(cache.RefreshTokenRecord{
			HomeAccountID:  homeID,
			Environment:    env,
			CredentialType: cache.CredentialTypeRefreshToken,
			ClientID:       c.cfg.ClientID,
			Secret:         resp.RefreshToken,
			FamilyID:       resp.FamilyID,
		})
		c.model.UpsertAppMetadata(cache.AppMetadataRecord{
			Environment: env,
			ClientID:    c.cfg.ClientID,
			FamilyID:    resp.FamilyID,
		})
	}

	var account *Account
	if resp.IDToken != "" && claims != nil {
		acctRealm := realm
		if claims.TenantID != "" {
			acctRealm = claims.TenantID
		}
		record := cache.AccountRecord{
			HomeAccountID:  homeID,
			Environment:    env,
			Realm:          acctRealm,
			LocalAccountID: claims.localAccountID(),
			Username:       claims.username(),
			Name:           claims.Name,
			AuthorityType:  cache.AuthorityTypeAAD,
			ClientInfo:     resp.ClientInfo,
		}
		c.model.UpsertAccount(record)
		c.model.UpsertIDToken(cache.IDTokenRecord{
			HomeAccountID:  homeID,
			Environment:    env,
			Realm:          acctRealm,
			CredentialType: cache.CredentialTypeIDToken,
			ClientID:       c.cfg.ClientID,
			Secret:         resp.IDToken,
		})
		account = accountView(record)
	}

	c.persist(ctx)

	return &AuthResult{
		AccessToken:   resp.AccessToken,
		TokenType:     respTokenType,
		ExpiresOn:     expiresOn,
		GrantedScopes: cache.NormalizeScopes(strings.Split(target, " ")),
		Account:       account,
		IDToken:       resp.IDToken,
		KeyID:         keyID,
		CorrelationID: correlationID,
		FromCache:     false,
	}, nil
}

// resultFromCache builds the caller's result from a cached access token.
func (c *Client) resultFromCache(at cache.AccessTokenRecord, query cache.TokenQuery) *AuthResult {
	result := &AuthResult{
		AccessToken:   at.Secret,
		TokenType:     at.TokenType,
		ExpiresOn:     time.Unix(at.ExpiresOn, 0),
		GrantedScopes: at.Scopes(),
		KeyID:         at.KeyID,
		FromCache:     true,
	}
	if query.HomeAccountID != "" {
		if record, ok := c.model.ReadAccount(query.HomeAccountID, query.EnvAliases, at.Realm); ok {
			result.Account = accountView(record)
		}
		if id, ok := c.model.ReadIDToken(query); ok {
			result.IDToken = id.Secret
		}
	}
	return result
}

// bindingKey derives the binding cache key for a request. App-only
// requests have no home account, so the client id stands in as identity.
func bindingKey(realm, homeAccountID, clientID, tokenType string) binding.Key {
	identity := homeAccountID
	if identity == "" {
		identity = clientID
	}
	return binding.Key{TenantID: realm, IdentityID: identity, TokenType: tokenType}
}

func accountView(record cache.AccountRecord) *Account {
	return &Account{
		HomeAccountID:  record.HomeAccountID,
		Environment:    record.Environment,
		Realm:          record.Realm,
		LocalAccountID: record.LocalAccountID,
		Username:       record.Username,
		Name:           record.Name,
	}
}

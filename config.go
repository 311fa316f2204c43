package authclient

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/giantswarm/authclient/binding"
	"github.com/giantswarm/authclient/instrumentation"
	"github.com/giantswarm/authclient/storage"
)

// Config holds the client configuration. Only ClientID and Authority are
// required; everything else has a working default.
type Config struct {
	// ClientID is the application (client) id registered with the
	// identity provider (required).
	ClientID string

	// Authority is the authority URL, e.g.
	// "https://login.microsoftonline.com/contoso.onmicrosoft.com"
	// (required).
	Authority string

	// ClientSecret makes this a confidential client using a shared
	// secret at the token endpoint.
	ClientSecret string

	// ClientAssertion makes this a confidential client using a signed
	// assertion (JWT) at the token endpoint. Takes precedence over
	// ClientSecret.
	ClientAssertion string

	// Storage persists the cache blob. Nil keeps the cache in process
	// memory only.
	Storage storage.Backend

	// Interactive is the external UI collaborator consulted when a
	// silent flow cannot complete. Nil surfaces UIRequiredError to the
	// caller instead.
	Interactive InteractiveCollaborator

	// Broker is the OS broker collaborator, preferred over Interactive
	// when it declares itself invokable for the resolved authority type.
	Broker Broker

	// ValidateAuthority requests instance discovery validation for
	// authorities outside the well-known cloud table.
	ValidateAuthority bool

	// ForceValidation validates even well-known authorities, overriding
	// the avoid-network optimization.
	ForceValidation bool

	// LockTimeout bounds the cross-process lock acquisition around
	// persistence. On timeout the lock fails open. Zero uses the
	// package default.
	LockTimeout time.Duration

	// ClockSkew is the expiry buffer applied during cache matches. Zero
	// uses cache.DefaultClockSkew.
	ClockSkew time.Duration

	// EndpointRate and EndpointBurst configure the outbound limiter on
	// token endpoint calls. Zero disables limiting; the throttling gate
	// still applies.
	EndpointRate  int
	EndpointBurst int

	// BindingRotationInterval is how often PoP/mTLS credential bindings
	// are proactively rotated. Zero uses binding.DefaultRotationInterval.
	BindingRotationInterval time.Duration

	// BindingGenerator produces fresh bound keys for PoP and mTLS token
	// types. Required only when those token types are requested.
	BindingGenerator binding.Generator

	// Instrumentation configures OpenTelemetry metrics and tracing.
	Instrumentation instrumentation.Config

	// HTTPClient is used for all network calls. Nil uses a client with
	// a 30 second timeout.
	HTTPClient *http.Client

	// Logger for structured logging (optional, uses slog.Default() if
	// not provided).
	Logger *slog.Logger
}

// Validate checks the required fields.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return NewClientError("ClientID is required")
	}
	if c.Authority == "" {
		return NewClientError("Authority is required")
	}
	return nil
}

// applyDefaults fills zero values in place.
func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = defaultClockSkew
	}
}

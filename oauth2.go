package authclient

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/giantswarm/authclient/cache"
)

// tokenSource adapts a client to the golang.org/x/oauth2 TokenSource
// contract so the library plugs into oauth2-aware HTTP stacks.
type tokenSource struct {
	ctx    context.Context
	client *Client
	scopes []string
	tenant string
}

var _ oauth2.TokenSource = (*tokenSource)(nil)

// TokenSource returns an oauth2.TokenSource backed by the client
// credentials flow. Each Token call goes through the cache first, so
// wrapping with oauth2.ReuseTokenSource is unnecessary.
func (c *Client) TokenSource(ctx context.Context, scopes []string, tenantID string) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, client: c, scopes: cache.NormalizeScopes(scopes), tenant: tenantID}
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	result, err := ts.client.AcquireTokenForClient(ts.ctx, &ClientCredentialRequest{
		Scopes:   ts.scopes,
		TenantID: ts.tenant,
	})
	if err != nil {
		return nil, err
	}
	return result.OAuth2Token(), nil
}

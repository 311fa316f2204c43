package discovery

import (
	"fmt"
	"net/url"
	"strings"
)

// Authority is a parsed authority URL: the issuer host plus the realm
// (tenant) segment of its path.
type Authority struct {
	// Host is the issuer host, e.g. "login.microsoftonline.com".
	Host string
	// Tenant is the realm segment, e.g. "contoso.onmicrosoft.com" or
	// "common".
	Tenant string
	// ValidateInstance requests a network validation round trip for hosts
	// outside the well-known table.
	ValidateInstance bool
}

// ParseAuthority parses an authority URL of the form
// https://host/tenant. HTTPS is required; a missing tenant defaults to
// "common".
func ParseAuthority(raw string) (*Authority, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid authority URL %q: %w", raw, err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("authority %q must use https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("authority %q has no host", raw)
	}
	tenant := "common"
	if seg := strings.Trim(u.Path, "/"); seg != "" {
		parts := strings.Split(seg, "/")
		tenant = parts[0]
	}
	return &Authority{
		Host:   strings.ToLower(u.Hostname()),
		Tenant: strings.ToLower(tenant),
	}, nil
}

// TokenEndpoint returns the token endpoint URL, optionally prefixed with a
// region for regional deployments.
func (a *Authority) TokenEndpoint(region string) string {
	return fmt.Sprintf("https://%s/%s/oauth2/v2.0/token", a.regionalHost(region), a.Tenant)
}

// AuthorizeEndpoint returns the authorization endpoint URL.
func (a *Authority) AuthorizeEndpoint(region string) string {
	return fmt.Sprintf("https://%s/%s/oauth2/v2.0/authorize", a.regionalHost(region), a.Tenant)
}

// regionalHost prefixes the host with the region hint. The cache partition
// is unaffected: regionality changes where the network call goes, never
// where the token is stored.
func (a *Authority) regionalHost(region string) string {
	if region == "" {
		return a.Host
	}
	return region + "." + a.Host
}

// URL renders the authority back as a URL string.
func (a *Authority) URL() string {
	return fmt.Sprintf("https://%s/%s", a.Host, a.Tenant)
}

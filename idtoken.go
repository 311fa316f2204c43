package authclient

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// idTokenClaims are the identity claims the cache needs from an ID token.
// The token is parsed without signature verification: it arrived over the
// provider's TLS channel and is used only to label cache records, never as
// proof of identity.
type idTokenClaims struct {
	Subject           string `json:"sub,omitempty"`
	ObjectID          string `json:"oid,omitempty"`
	TenantID          string `json:"tid,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Name              string `json:"name,omitempty"`
	UPN               string `json:"upn,omitempty"`

	jwt.RegisteredClaims
}

// parseIDToken extracts the claims from a raw ID token JWT.
func parseIDToken(raw string) (*idTokenClaims, error) {
	claims := &idTokenClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("parsing id token: %w", err)
	}
	return claims, nil
}

// localAccountID prefers the directory object id over the subject.
func (c *idTokenClaims) localAccountID() string {
	if c.ObjectID != "" {
		return c.ObjectID
	}
	return c.Subject
}

// username prefers preferred_username over the legacy UPN claim.
func (c *idTokenClaims) username() string {
	if c.PreferredUsername != "" {
		return c.PreferredUsername
	}
	return c.UPN
}

// clientInfo is the opaque base64url blob identifying the home account.
type clientInfo struct {
	UID  string `json:"uid"`
	UTID string `json:"utid"`
}

// homeAccountID derives the canonical "uid.utid" home account id from a
// client_info blob, falling back to the ID token claims when the blob is
// absent or unreadable.
func homeAccountID(rawClientInfo string, claims *idTokenClaims) string {
	if rawClientInfo != "" {
		if decoded, err := base64.RawURLEncoding.DecodeString(rawClientInfo); err == nil {
			var ci clientInfo
			if err := json.Unmarshal(decoded, &ci); err == nil && ci.UID != "" && ci.UTID != "" {
				return ci.UID + "." + ci.UTID
			}
		}
	}
	if claims == nil {
		return ""
	}
	if claims.ObjectID != "" && claims.TenantID != "" {
		return claims.ObjectID + "." + claims.TenantID
	}
	return claims.Subject
}

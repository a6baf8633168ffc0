package tokens

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified view of an application token.
type Claims struct {
	Email          string         `json:"email,omitempty"`
	Name           string         `json:"name,omitempty"`
	Roles          []string       `json:"roles,omitempty"`
	UpstreamIssuer string         `json:"kc_iss,omitempty"`
	UpstreamSID    string         `json:"kc_sid,omitempty"`
	Raw            map[string]any `json:"-"`
	jwt.RegisteredClaims
}

// Identity is the local claim set derived from the upstream ID token.
type Identity struct {
	Subject        string
	Email          string
	Name           string
	Roles          []string
	UpstreamIssuer string
	SessionID      string
	// Extra holds upstream claims carried through unchanged.
	Extra map[string]any
}

// protocolClaims are upstream claims that describe the upstream token itself and
// must not leak into the application token.
var protocolClaims = map[string]struct{}{
	"iss": {}, "aud": {}, "exp": {}, "iat": {}, "nbf": {}, "jti": {}, "sub": {},
	"nonce": {}, "at_hash": {}, "c_hash": {}, "azp": {}, "auth_time": {}, "typ": {},
	"session_state": {}, "acr": {}, "sid": {},
}

// BuildIdentity derives the local claim set from verified upstream ID token claims.
func BuildIdentity(upstream map[string]any) Identity {
	id := Identity{
		Subject:        stringClaim(upstream, "sub"),
		Email:          stringClaim(upstream, "email"),
		Name:           stringClaim(upstream, "name"),
		UpstreamIssuer: stringClaim(upstream, "iss"),
		SessionID:      stringClaim(upstream, "sid"),
		Roles:          realmRoles(upstream),
		Extra:          make(map[string]any),
	}
	if id.Name == "" {
		id.Name = stringClaim(upstream, "preferred_username")
	}
	for k, v := range upstream {
		if _, skip := protocolClaims[k]; skip || empty(v) {
			continue
		}
		id.Extra[k] = v
	}
	return id
}

func (id Identity) mapClaims() jwt.MapClaims {
	claims := make(jwt.MapClaims, len(id.Extra)+8)
	for k, v := range id.Extra {
		claims[k] = v
	}
	roles := id.Roles
	if roles == nil {
		roles = []string{}
	}
	claims["roles"] = roles
	setIfPresent(claims, "email", id.Email)
	setIfPresent(claims, "name", id.Name)
	setIfPresent(claims, "kc_iss", id.UpstreamIssuer)
	setIfPresent(claims, "kc_sid", id.SessionID)
	return claims
}

func setIfPresent(claims jwt.MapClaims, key, value string) {
	if value != "" {
		claims[key] = value
	}
}

func stringClaim(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return s
}

func realmRoles(claims map[string]any) []string {
	access, ok := claims["realm_access"].(map[string]any)
	if !ok {
		return []string{}
	}
	list, _ := access["roles"].([]any)
	roles := make([]string, 0, len(list))
	for _, r := range list {
		if s, ok := r.(string); ok {
			roles = append(roles, s)
		}
	}
	return roles
}

func empty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case bool:
		return !val
	}
	return false
}

// HasRole reports whether the token carries role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

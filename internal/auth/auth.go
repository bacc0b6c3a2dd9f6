// Package auth resolves bearer tokens into scoped principals.
//
// A scope is "<resource>:<access>" where resource is one of Resources and
// access is ro or rw, or "*" for everything. rw implies ro.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Resources are the API areas a scope can name.
var Resources = []string{"projects", "runs", "events"}

const Admin = "*"

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ParseScope splits a scope into resource and access, rejecting anything
// outside Resources or ro/rw. Admin parses to ("*", "").
func ParseScope(scope string) (resource, access string, err error) {
	scope = strings.TrimSpace(scope)
	if scope == Admin {
		return Admin, "", nil
	}
	resource, access, ok := strings.Cut(scope, ":")
	if !ok {
		return "", "", fmt.Errorf("invalid scope %q (expected resource:ro or resource:rw)", scope)
	}
	known := false
	for _, r := range Resources {
		known = known || r == resource
	}
	if !known {
		return "", "", fmt.Errorf("scope %q names unknown resource %q (%s)", scope, resource, strings.Join(Resources, ", "))
	}
	if access != "ro" && access != "rw" {
		return "", "", fmt.Errorf("scope %q: invalid access %q (expected ro or rw)", scope, access)
	}
	return resource, access, nil
}

func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errors.New("invalid Authorization header format")
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func tokenMatches(presented, configured string) bool {
	if presented == "" || configured == "" || len(presented) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// Authenticate matches a presented bearer token. The admin key grants
// Admin; a scoped token grants its expanded scopes.
func Authenticate(presented, adminKey string, tokens []TokenConfig) (Principal, bool) {
	if tokenMatches(presented, adminKey) {
		return Principal{Token: presented, Scopes: map[string]struct{}{Admin: {}}}, true
	}
	for _, t := range tokens {
		if tokenMatches(presented, t.Token) {
			return Principal{Token: presented, Scopes: expandScopes(t.Scopes)}, true
		}
	}
	return Principal{}, false
}

func expandScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes)*2)
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
		if res, ok := strings.CutSuffix(s, ":rw"); ok {
			out[res+":ro"] = struct{}{}
		}
	}
	return out
}

// HasAnyScope reports whether p holds Admin or one of required. No
// requirement always passes.
func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[Admin]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

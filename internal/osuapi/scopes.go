package osuapi

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	// ScopePublic allows reading public profile data on behalf of the user.
	ScopePublic = "public"
	// ScopeIdentify allows reading the authenticated user via /me.
	ScopeIdentify = "identify"
)

// RequestedScopes are sent on every authorize redirect.
var RequestedScopes = []string{ScopePublic, ScopeIdentify}

// grantedScopes reports the scopes attached to a token response.
// The explicit "scope" field wins; otherwise the "scopes" claim of the access token is read.
// A nil result means the provider did not report scopes at all.
func grantedScopes(token *oauth2.Token) []string {
	if rawScope, ok := token.Extra("scope").(string); ok && strings.TrimSpace(rawScope) != "" {
		return strings.Fields(rawScope)
	}
	return accessTokenScopes(token.AccessToken)
}

// accessTokenScopes reads the "scopes" claim of an osu! access token.
// The signature is not checked: the token came directly from the token endpoint.
func accessTokenScopes(accessToken string) []string {
	if strings.Count(accessToken, ".") != 2 {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, parseErr := jwt.NewParser().ParseUnverified(accessToken, claims); parseErr != nil {
		return nil
	}
	switch rawScopes := claims["scopes"].(type) {
	case []interface{}:
		scopes := make([]string, 0, len(rawScopes))
		for _, rawScope := range rawScopes {
			if scope, ok := rawScope.(string); ok {
				scopes = append(scopes, scope)
			}
		}
		return scopes
	case string:
		return strings.Fields(rawScopes)
	default:
		return nil
	}
}

func hasScope(scopes []string, required string) bool {
	for _, scope := range scopes {
		if scope == required {
			return true
		}
	}
	return false
}

package auth

import (
	"context"

	"golang.org/x/oauth2"
)

// Default OAuth endpoint configuration for ChatGPT-mode token refresh.
// Overridable at construction time for self-hosted or staging deployments.
const (
	DefaultTokenURL = "https://auth.openai.com/oauth/token"
	DefaultClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
)

// DefaultScopes is the OAuth scope list requested on refresh.
var DefaultScopes = []string{"openid", "profile", "email", "offline_access"}

// HTTPRefresher exchanges a refresh token for a new access token against an
// OAuth2 token endpoint, using golang.org/x/oauth2's client-credentials-less
// refresh flow (scope + refresh_token grant, no client secret).
type HTTPRefresher struct {
	cfg oauth2.Config
}

// NewHTTPRefresher builds a Refresher bound to the given token endpoint and
// client id. The scope mirrors the provider's OAuth app registration.
func NewHTTPRefresher(tokenURL, clientID string, scopes []string) *HTTPRefresher {
	return &HTTPRefresher{
		cfg: oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{TokenURL: tokenURL},
			Scopes:   scopes,
		},
	}
}

// Refresh implements Refresher.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (TokenData, error) {
	src := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return TokenData{}, &UpstreamError{StatusCode: statusFromOAuthErr(err)}
	}
	idToken, _ := tok.Extra("id_token").(string)
	return TokenData{
		IDToken:      idToken,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}, nil
}

// statusFromOAuthErr extracts the HTTP status from an *oauth2.RetrieveError,
// falling back to 0 (network-level failure, not an upstream status).
func statusFromOAuthErr(err error) int {
	var rErr *oauth2.RetrieveError
	if ok := asRetrieveError(err, &rErr); ok {
		return rErr.Response.StatusCode
	}
	return 0
}

func asRetrieveError(err error, target **oauth2.RetrieveError) bool {
	for err != nil {
		if rErr, ok := err.(*oauth2.RetrieveError); ok {
			*target = rErr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

var _ Refresher = (*HTTPRefresher)(nil)

// Package webadapter fetches documents from configured HTTP
// endpoints: HTML pages extracted through CSS selectors and JSON
// payloads projected through jq expressions.
package webadapter

import (
	"net/http"
	"os"

	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

// authorizer decorates outbound requests with credentials. Config
// carries environment variable names; values are resolved here, at
// use, never stored.
type authorizer func(req *http.Request) error

func newAuthorizer(cfg config.HTTPAuthConfig) (authorizer, error) {
	switch cfg.Type {
	case "", "none":
		return func(*http.Request) error { return nil }, nil

	case "api_key":
		header := cfg.HeaderName
		if header == "" {
			header = "X-API-Key"
		}
		envVar := cfg.APIKeyEnvVar
		return func(req *http.Request) error {
			key := os.Getenv(envVar)
			if key == "" {
				return pperrors.Newf(pperrors.KindAuth, "api key env var %s is empty", envVar)
			}
			req.Header.Set(header, key)
			return nil
		}, nil

	case "bearer_token":
		envVar := cfg.TokenEnvVar
		return func(req *http.Request) error {
			token := os.Getenv(envVar)
			if token == "" {
				return pperrors.Newf(pperrors.KindAuth, "token env var %s is empty", envVar)
			}
			req.Header.Set("Authorization", "Bearer "+token)
			return nil
		}, nil

	case "basic":
		userVar, passVar := cfg.UsernameEnvVar, cfg.PasswordEnvVar
		return func(req *http.Request) error {
			user, pass := os.Getenv(userVar), os.Getenv(passVar)
			if user == "" || pass == "" {
				return pperrors.Newf(pperrors.KindAuth, "basic auth env vars %s/%s are empty", userVar, passVar)
			}
			req.SetBasicAuth(user, pass)
			return nil
		}, nil

	default:
		return nil, pperrors.Newf(pperrors.KindConfig, "unknown auth type %q", cfg.Type)
	}
}

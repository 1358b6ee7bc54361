package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"experimenter/internal/engine"
	"experimenter/internal/engine/auth"
	"experimenter/internal/repo"
)

type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	Logger                 *zap.Logger
}

// Viewer is the caller an experiment is rendered for. CanReview and every
// permission check derive from it.
type Viewer struct {
	ActorID string
	Roles   []string
	// Permissions granted by a token take precedence over the role tables.
	Permissions []string
	Source      string
}

const (
	sourceJWT    = "jwt"
	sourceAPIKey = "api_key"
	sourceLegacy = "legacy_header"
)

type viewerKey struct{}

func withViewer(ctx context.Context, v Viewer) context.Context {
	return context.WithValue(ctx, viewerKey{}, v)
}

// viewerFrom returns the authenticated viewer or a 401.
func viewerFrom(ctx context.Context) (Viewer, huma.StatusError) {
	v, ok := ctx.Value(viewerKey{}).(Viewer)
	if !ok || v.ActorID == "" {
		return Viewer{}, errUnauthenticated()
	}
	return v, nil
}

// reader returns the viewer after checking it may read experiments.
func reader(ctx context.Context, e engine.Engine) (Viewer, error) {
	v, authErr := viewerFrom(ctx)
	if authErr != nil {
		return Viewer{}, authErr
	}
	if err := v.require(ctx, e, auth.PermRead); err != nil {
		return Viewer{}, err
	}
	return v, nil
}

func (v Viewer) require(ctx context.Context, e engine.Engine, perm string) error {
	if hasPermission(v.Permissions, perm) {
		return nil
	}
	ok, err := e.Auth.ActorHasPermission(ctx, nil, v.ActorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
}

func errUnauthenticated() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func errBadCredentials() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// signDevToken mints an HS256 token for local testing.
func signDevToken(secret, actorID string, roles, perms []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			Issuer:    "experimenter-dev",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles:       roles,
		Permissions: perms,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// credential resolves a viewer from one request header. The first credential
// whose header is present decides the request; later ones are not consulted.
type credential struct {
	header  string
	resolve func(ctx context.Context, value string) (Viewer, error)
}

type authenticator struct {
	cfg      AuthConfig
	basePath string
	open     map[string]bool
	chain    []credential
}

func newAuthenticator(basePath string, cfg AuthConfig, r repo.Repo) *authenticator {
	a := &authenticator{cfg: cfg, basePath: basePath, open: openPaths(basePath)}
	if a.cfg.Logger == nil {
		a.cfg.Logger = zap.NewNop()
	}
	a.chain = []credential{
		{header: "Authorization", resolve: a.fromBearer},
		{header: "X-Api-Key", resolve: func(ctx context.Context, key string) (Viewer, error) {
			return viewerFromAPIKey(ctx, r, key)
		}},
	}
	if cfg.AllowLegacyActorHeader {
		a.chain = append(a.chain, credential{header: "X-Actor-Id", resolve: a.fromLegacyHeader})
	}
	return a
}

func (a *authenticator) fromBearer(_ context.Context, authz string) (Viewer, error) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return Viewer{}, errors.New("authorization header is not a bearer token")
	}
	if strings.TrimSpace(a.cfg.JWTSecret) == "" {
		return Viewer{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &tokenClaims{}
	token, err := parser.ParseWithClaims(parts[1], claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.JWTSecret), nil
	})
	switch {
	case err != nil:
		return Viewer{}, err
	case !token.Valid:
		return Viewer{}, errors.New("invalid token")
	case claims.Subject == "":
		return Viewer{}, errors.New("subject claim required")
	}
	return Viewer{ActorID: claims.Subject, Roles: claims.Roles, Permissions: claims.Permissions, Source: sourceJWT}, nil
}

func viewerFromAPIKey(ctx context.Context, r repo.Repo, key string) (Viewer, error) {
	stored, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Viewer{}, err
	}
	if stored.ActorID == "" {
		return Viewer{}, errors.New("api key missing actor")
	}
	return Viewer{ActorID: stored.ActorID, Source: sourceAPIKey}, nil
}

func (a *authenticator) fromLegacyHeader(_ context.Context, actor string) (Viewer, error) {
	a.cfg.Logger.Warn("using legacy X-Actor-Id header without auth; ignored when Authorization or X-Api-Key is present",
		zap.String("actor_id", actor))
	return Viewer{ActorID: actor, Source: sourceLegacy}, nil
}

// identify walks the credential chain. A request with no recognised header is
// unauthenticated; one whose header fails to resolve has bad credentials.
func (a *authenticator) identify(req *http.Request) (Viewer, huma.StatusError) {
	for _, c := range a.chain {
		value := strings.TrimSpace(req.Header.Get(c.header))
		if value == "" {
			continue
		}
		v, err := c.resolve(req.Context(), value)
		if err != nil {
			a.cfg.Logger.Debug("rejected credentials", zap.String("header", c.header), zap.Error(err))
			return Viewer{}, errBadCredentials()
		}
		return v, nil
	}
	return Viewer{}, errUnauthenticated()
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !strings.HasPrefix(req.URL.Path, a.basePath) || a.open[req.URL.Path] {
			next.ServeHTTP(w, req)
			return
		}
		v, authErr := a.identify(req)
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		next.ServeHTTP(w, req.WithContext(withViewer(req.Context(), v)))
	})
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

package httpx

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/dumcel/deployer/api/internal/service/auth"
)

type principalKey struct{}

type actorKey struct{}

// actor is planted by audit before the handler chain runs; requireAuth
// fills it in so the access log can name the user.
type actor struct {
	userID string
}

var (
	errNoCredentials  = errors.New("missing authorization header")
	errNotBearerToken = errors.New("authorization header is not a bearer token")
)

func withActor(ctx context.Context) (context.Context, *actor) {
	a := &actor{}
	return context.WithValue(ctx, actorKey{}, a), a
}

func principalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

// requireAuth rejects requests without a valid session token and stores
// the caller's principal on the request context.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token, err := parseBearer(req.Header.Get("Authorization"))
		if err != nil {
			r.unauthorized(w, req, "authentication required", err)
			return
		}
		principal, err := r.auth.Authorize(req.Context(), token)
		if err != nil {
			r.unauthorized(w, req, "authentication failed", err)
			return
		}
		if a, ok := req.Context().Value(actorKey{}).(*actor); ok {
			a.userID = principal.UserID
		}
		next(w, req.WithContext(context.WithValue(req.Context(), principalKey{}, principal)))
	}
}

func (r *Router) unauthorized(w http.ResponseWriter, req *http.Request, msg string, cause error) {
	r.logger.Warn("request unauthenticated", "path", req.URL.Path, "error", cause)
	w.Header().Set("WWW-Authenticate", `Bearer realm="dumcel"`)
	writeError(w, http.StatusUnauthorized, msg)
}

func parseBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errNoCredentials
	}
	scheme, token, found := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.ContainsAny(token, " \t") {
		return "", errNotBearerToken
	}
	return token, nil
}

// builderOnly guards builder control-plane routes with the shared token and
// a single budget for all builders.
func (r *Router) builderOnly(next http.HandlerFunc) http.HandlerFunc {
	limited := r.limited(ruleBuilder, callerBuilder, next)
	return func(w http.ResponseWriter, req *http.Request) {
		if r.builderTokenValid(w, req) {
			limited(w, req)
		}
	}
}

func (r *Router) builderTokenValid(w http.ResponseWriter, req *http.Request) bool {
	if r.builderToken == "" {
		r.logger.Error("builder token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "builder authentication misconfigured")
		return false
	}
	got := []byte(strings.TrimSpace(req.Header.Get("X-Builder-Token")))
	if subtle.ConstantTimeCompare(got, []byte(r.builderToken)) != 1 {
		r.logger.Warn("builder token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid builder token")
		return false
	}
	return true
}

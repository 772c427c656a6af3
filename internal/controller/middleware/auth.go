// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"boardgen/internal/auth"
	"boardgen/internal/store"
	"boardgen/pkg/api"

	"github.com/google/uuid"
)

// organizationKey is the context key for the authenticated organization.
type organizationKey struct{}

// AuthMiddleware resolves the bearer API key to an organization.
// Every downstream operation is scoped by that organization.
func AuthMiddleware(s store.OrganizationStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := bearerToken(r)
			if !ok {
				writeError(w, "Missing or invalid authorization header", http.StatusUnauthorized)
				return
			}

			org, err := s.GetOrganizationByAPIKeyHash(r.Context(), auth.HashKey(key))
			if errors.Is(err, store.ErrNotFound) || (err == nil && org == nil) {
				writeError(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			if err != nil {
				writeError(w, "Failed to authenticate", http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithOrganization(r.Context(), org)))
		})
	}
}

// NewContextWithOrganization returns a context carrying org.
func NewContextWithOrganization(ctx context.Context, org *store.Organization) context.Context {
	return context.WithValue(ctx, organizationKey{}, org)
}

// OrganizationFromContext returns the authenticated organization, if any.
func OrganizationFromContext(ctx context.Context) (*store.Organization, bool) {
	org, ok := ctx.Value(organizationKey{}).(*store.Organization)
	return org, ok && org != nil
}

// OrganizationIDFromContext returns the id of the authenticated organization.
func OrganizationIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	org, ok := OrganizationFromContext(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return org.ID, true
}

// bearerToken extracts the token of an "Authorization: Bearer <token>" header.
func bearerToken(r *http.Request) (string, bool) {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

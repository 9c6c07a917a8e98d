package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	strictnethttp "github.com/oapi-codegen/runtime/strictmiddleware/nethttp"

	"github.com/recomma/polycopy/registry"
)

// OwnerHeader names the caller on whose behalf tasks are started and listed.
const OwnerHeader = "X-Polycopy-Owner"

type ownerContextKey struct{}

// OwnerMiddleware stores the caller named by OwnerHeader in the context.
// Requests without the header act as registry.DefaultOwner.
func OwnerMiddleware() strictnethttp.StrictHTTPMiddlewareFunc {
	return func(next strictnethttp.StrictHTTPHandlerFunc, operationID string) strictnethttp.StrictHTTPHandlerFunc {
		return func(ctx context.Context, w http.ResponseWriter, r *http.Request, request interface{}) (interface{}, error) {
			owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
			if owner == "" {
				owner = registry.DefaultOwner
			}
			ctx = context.WithValue(ctx, ownerContextKey{}, owner)
			return next(ctx, w, r, request)
		}
	}
}

func ownerFromContext(ctx context.Context) string {
	if owner, ok := ctx.Value(ownerContextKey{}).(string); ok && owner != "" {
		return owner
	}
	return registry.DefaultOwner
}

// AccessLogMiddleware logs every operation with its outcome at debug level.
func AccessLogMiddleware(logger *slog.Logger) strictnethttp.StrictHTTPMiddlewareFunc {
	return func(next strictnethttp.StrictHTTPHandlerFunc, operationID string) strictnethttp.StrictHTTPHandlerFunc {
		return func(ctx context.Context, w http.ResponseWriter, r *http.Request, request interface{}) (interface{}, error) {
			start := time.Now()
			resp, err := next(ctx, w, r, request)
			attrs := []any{
				slog.String("operation", operationID),
				slog.String("owner", ownerFromContext(ctx)),
				slog.Duration("elapsed", time.Since(start)),
			}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			logger.Debug("api request", attrs...)
			return resp, err
		}
	}
}

package fetch

import (
	"context"
	"net/url"
	"strings"
)

type sourceKey struct{}

// WithSource tags ctx with the source name used to key fetch metrics.
func WithSource(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, sourceKey{}, name)
}

// SourceFrom returns the source name stored by WithSource, if any.
func SourceFrom(ctx context.Context) string {
	name, _ := ctx.Value(sourceKey{}).(string)
	return name
}

// metricsKey prefers the tagged source name and falls back to the host.
func metricsKey(ctx context.Context, rawURL string) string {
	if name := SourceFrom(ctx); name != "" {
		return name
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

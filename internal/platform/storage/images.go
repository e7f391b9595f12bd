package storage

import (
	"context"
	"strings"
	"time"
)

// CoverImageResolver turns stored cover image references into URLs the
// storefront can render. References are either absolute URLs (returned
// untouched) or object names inside the assets bucket, which are exchanged
// for short-lived signed download URLs. Resolution failures fall back to the
// placeholder instead of failing the listing that embeds the image.
type CoverImageResolver struct {
	client         *Client
	bucket         string
	ttl            time.Duration
	placeholderURL string
	logger         func(ctx context.Context, event string, fields map[string]any)
}

// CoverImageResolverOption customises resolver behaviour.
type CoverImageResolverOption func(*CoverImageResolver)

// WithResolverLogger wires structured logging for resolution failures.
func WithResolverLogger(logger func(ctx context.Context, event string, fields map[string]any)) CoverImageResolverOption {
	return func(r *CoverImageResolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithResolverTTL overrides the signed URL lifetime.
func WithResolverTTL(ttl time.Duration) CoverImageResolverOption {
	return func(r *CoverImageResolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// NewCoverImageResolver constructs a resolver for the given bucket. The
// client may be nil, in which case every reference resolves to the
// placeholder; this keeps local development working without signer
// credentials.
func NewCoverImageResolver(client *Client, bucket, placeholderURL string, opts ...CoverImageResolverOption) *CoverImageResolver {
	resolver := &CoverImageResolver{
		client:         client,
		bucket:         strings.TrimSpace(bucket),
		ttl:            5 * time.Minute,
		placeholderURL: strings.TrimSpace(placeholderURL),
		logger:         func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(resolver)
		}
	}
	return resolver
}

// ResolveImageURL resolves a single cover image reference.
func (r *CoverImageResolver) ResolveImageURL(ctx context.Context, ref string) string {
	if r == nil {
		return ""
	}

	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return r.placeholderURL
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed
	}
	if r.client == nil || r.bucket == "" {
		return r.placeholderURL
	}

	result, err := r.client.SignedURL(ctx, r.bucket, trimmed, SignedURLOptions{
		Download: &DownloadOptions{
			ExpiresIn:      r.ttl,
			AllowAnonymous: true,
		},
	})
	if err != nil {
		r.logger(ctx, "storage.cover_url_failed", map[string]any{
			"object": trimmed,
			"error":  err.Error(),
		})
		return r.placeholderURL
	}
	return result.URL
}

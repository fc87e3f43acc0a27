// Package extractor routes scans to the follower extractor configured for
// their method.
package extractor

import (
	"context"
	"fmt"
	"sort"

	"github.com/followlytics/followlytics/internal/followlytics"
)

// Registry maps scan methods to extractors.
type Registry struct {
	byMethod map[followlytics.ScanMethod]followlytics.Extractor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byMethod: make(map[followlytics.ScanMethod]followlytics.Extractor)}
}

// Register binds ext to method. A nil extractor leaves the method unavailable.
func (r *Registry) Register(method followlytics.ScanMethod, ext followlytics.Extractor) {
	if ext == nil {
		return
	}
	r.byMethod[method] = ext
}

// Available reports whether method has an extractor.
func (r *Registry) Available(method followlytics.ScanMethod) bool {
	_, ok := r.byMethod[method]
	return ok
}

// Methods lists the registered methods in a stable order.
func (r *Registry) Methods() []followlytics.ScanMethod {
	out := make([]followlytics.ScanMethod, 0, len(r.byMethod))
	for m := range r.byMethod {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Extract runs the extractor for method and enforces dedupe and the follower cap.
func (r *Registry) Extract(ctx context.Context, method followlytics.ScanMethod, req followlytics.ExtractRequest) (followlytics.ExtractResult, error) {
	ext, ok := r.byMethod[method]
	if !ok {
		return followlytics.ExtractResult{}, fmt.Errorf("%w: %s", followlytics.ErrMethodUnavailable, method)
	}
	res, err := ext.Extract(ctx, req)
	if err != nil {
		return followlytics.ExtractResult{}, err
	}
	res.Followers = followlytics.DedupeFollowers(res.Followers, req.MaxFollowers)
	if res.Source == "" {
		res.Source = string(method)
	}
	return res, nil
}

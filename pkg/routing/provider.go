package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"lifeline-dispatch/pkg/ontology"
	"lifeline-dispatch/pkg/shared"
)

// Provider is one tier in the routing fallback chain.
type Provider interface {
	Source() string
	Resolve(ctx context.Context, origin, dest ontology.Coordinate) (*ontology.RouteEstimate, error)
}

type routeRequest struct {
	Origin      ontology.Coordinate `json:"origin"`
	Destination ontology.Coordinate `json:"destination"`
}

type routeResponse struct {
	DistanceMeters  float64  `json:"distanceMeters"`
	DurationSeconds float64  `json:"durationSeconds"`
	Polyline        string   `json:"polyline"`
	Steps           []string `json:"steps"`
}

// HTTPProvider talks to an external routing service. A timeout, non-2xx
// response, or malformed payload makes the resolver fall through to the
// next tier; the provider is never retried within the same resolution.
type HTTPProvider struct {
	source   string
	endpoint string
	timeout  time.Duration
	client   *http.Client
}

// NewProviderA is the rich turn-by-turn provider, first in the chain. It
// tends to be rate-limited or unreachable under load.
func NewProviderA(endpoint string, timeout time.Duration) *HTTPProvider {
	return newHTTPProvider(ontology.RouteSourceProviderA, endpoint, timeout)
}

// NewProviderB is the coarser but more available second tier.
func NewProviderB(endpoint string, timeout time.Duration) *HTTPProvider {
	return newHTTPProvider(ontology.RouteSourceProviderB, endpoint, timeout)
}

func newHTTPProvider(source, endpoint string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		source:   source,
		endpoint: endpoint,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Source() string {
	return p.source
}

func (p *HTTPProvider) Resolve(ctx context.Context, origin, dest ontology.Coordinate) (*ontology.RouteEstimate, error) {
	if p.endpoint == "" {
		return nil, fmt.Errorf("provider %s not configured: %w", p.source, shared.ErrTransient)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := json.Marshal(routeRequest{Origin: origin, Destination: dest})
	if err != nil {
		return nil, fmt.Errorf("provider %s request: %w", p.source, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider %s request: %w", p.source, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %v: %w", p.source, err, shared.ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("provider %s returned status %d: %w", p.source, resp.StatusCode, shared.ErrTransient)
	}

	var rr routeResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("provider %s payload: %v: %w", p.source, err, shared.ErrDataInvalid)
	}
	if rr.DistanceMeters < 0 || rr.DurationSeconds < 0 {
		return nil, fmt.Errorf("provider %s payload out of range: %w", p.source, shared.ErrDataInvalid)
	}

	return &ontology.RouteEstimate{
		Origin:          origin,
		Destination:     dest,
		DistanceKm:      rr.DistanceMeters / 1000,
		DurationMinutes: rr.DurationSeconds / 60,
		Polyline:        rr.Polyline,
		Source:          p.source,
	}, nil
}

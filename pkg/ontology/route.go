package ontology

// Route estimate sources, ordered from richest to last-resort.
const (
	RouteSourceProviderA    = "provider_a"
	RouteSourceProviderB    = "provider_b"
	RouteSourceCache        = "cache"
	RouteSourceStraightLine = "straight_line"
)

// RouteEstimate is ephemeral: recomputed on demand and only ever cached with
// a short TTL. Source records which fallback tier produced it.
type RouteEstimate struct {
	Origin          Coordinate `json:"origin"`
	Destination     Coordinate `json:"destination"`
	DistanceKm      float64    `json:"distance_km"`
	DurationMinutes float64    `json:"duration_minutes"`
	Polyline        string     `json:"polyline,omitempty"`
	Source          string     `json:"source"`
	ComputedAtMs    int64      `json:"computed_at_ms"`
}

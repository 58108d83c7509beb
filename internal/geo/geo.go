package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/walk-buddy/internal/models"
)

// EarthRadiusMiles is the sphere radius used for all distance math.
const EarthRadiusMiles = 3959.0

// Distance returns the great-circle distance in miles between two points
// using the Haversine formula.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Haversine distance in miles
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push a a hair past 1 for near-antipodal points
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMiles * c
}

// Midpoint is the arithmetic mean of the two coordinates. It is only a
// reasonable meetup point at sub-mile separations; it is not a geodesic midpoint.
func Midpoint(a, b models.Coord) models.Coord {
	return models.Coord{Lat: (a.Lat + b.Lat) / 2, Lng: (a.Lng + b.Lng) / 2}
}

// Valid reports whether c is a usable latitude/longitude.
func Valid(c models.Coord) bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Index narrows the matcher's candidate pool to requests whose start point
// is near a given coordinate. It is a prefilter only: the store remains the
// source of truth for status and expiry. Within may return points slightly
// beyond miles but must never omit one that Distance places within it.
type Index interface {
	Add(ctx context.Context, requestID string, start models.Coord) error
	Remove(ctx context.Context, requestIDs ...string) error
	Within(ctx context.Context, p models.Coord, miles float64) ([]string, error)
}

type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]models.Coord)}
}

func (g *MemoryIndex) Add(_ context.Context, requestID string, start models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.points[requestID] = start
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, requestIDs ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range requestIDs {
		delete(g.points, id)
	}
	return nil
}

// naive scan, nearest first
func (g *MemoryIndex) Within(_ context.Context, p models.Coord, miles float64) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		id   string
		dist float64
	}
	arr := make([]pair, 0, len(g.points))
	for id, c := range g.points {
		if d := Distance(p, c); d <= miles {
			arr = append(arr, pair{id, d})
		}
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	out := make([]string, 0, len(arr))
	for _, a := range arr {
		out = append(out, a.id)
	}
	return out, nil
}

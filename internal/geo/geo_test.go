package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/walk-buddy/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(37.7749, -122.4194, 37.7749, -122.4194)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	pairs := [][2]models.Coord{
		{{Lat: 37.7749, Lng: -122.4194}, {Lat: 37.7750, Lng: -122.4195}},
		{{Lat: 89.9, Lng: 10}, {Lat: 89.9, Lng: -170}},
		{{Lat: 0, Lng: 179.999}, {Lat: 0, Lng: -179.999}},
		{{Lat: -33.8688, Lng: 151.2093}, {Lat: 51.5074, Lng: -0.1278}},
	}
	for _, p := range pairs {
		ab, ba := Distance(p[0], p[1]), Distance(p[1], p[0])
		if math.Abs(ab-ba) > 1e-9 {
			t.Fatalf("asymmetric distance %v: %f vs %f", p, ab, ba)
		}
	}
}

func TestDistanceAcrossAntimeridian(t *testing.T) {
	d := Distance(models.Coord{Lat: 0, Lng: 179.999}, models.Coord{Lat: 0, Lng: -179.999})
	// 0.002 degrees of longitude on the equator
	want := EarthRadiusMiles * 0.002 * math.Pi / 180
	if math.Abs(d-want) > 1e-6 {
		t.Fatalf("expected %f, got %f", want, d)
	}
}

func TestDistanceKnownValue(t *testing.T) {
	d := Distance(models.Coord{Lat: 37.7749, Lng: -122.4194}, models.Coord{Lat: 37.7750, Lng: -122.4195})
	if d < 0.005 || d > 0.015 {
		t.Fatalf("expected about 0.01 miles, got %f", d)
	}
}

func TestMidpointIsLinearAverage(t *testing.T) {
	m := Midpoint(models.Coord{Lat: 37.7749, Lng: -122.4194}, models.Coord{Lat: 37.7750, Lng: -122.4195})
	if math.Abs(m.Lat-37.77495) > 1e-12 || math.Abs(m.Lng-(-122.41945)) > 1e-12 {
		t.Fatalf("unexpected midpoint %+v", m)
	}
}

func TestValid(t *testing.T) {
	if !Valid(models.Coord{Lat: 90, Lng: -180}) {
		t.Fatal("edge coordinates should be valid")
	}
	if Valid(models.Coord{Lat: 91, Lng: 0}) || Valid(models.Coord{Lat: 0, Lng: 181}) || Valid(models.Coord{Lat: math.NaN()}) {
		t.Fatal("out of range coordinates accepted")
	}
}

func TestMemoryIndexWithinNearestFirst(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	origin := models.Coord{Lat: 37.7749, Lng: -122.4194}
	_ = idx.Add(ctx, "far", models.Coord{Lat: 37.7849, Lng: -122.4194}) // ~0.69mi
	_ = idx.Add(ctx, "mid", models.Coord{Lat: 37.7769, Lng: -122.4194})
	_ = idx.Add(ctx, "near", models.Coord{Lat: 37.7750, Lng: -122.4194})

	ids, err := idx.Within(ctx, origin, 0.3)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "near" || ids[1] != "mid" {
		t.Fatalf("unexpected ids %v", ids)
	}

	_ = idx.Remove(ctx, "near")
	ids, _ = idx.Within(ctx, origin, 0.3)
	if len(ids) != 1 || ids[0] != "mid" {
		t.Fatalf("unexpected ids after remove %v", ids)
	}
}

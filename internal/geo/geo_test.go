package geo

import (
	"errors"
	"math"
	"testing"
)

var kathmandu = Coordinate{Lat: 27.7172, Lon: 85.3240}

func TestDistance(t *testing.T) {
	cases := []struct {
		name string
		a, b Coordinate
		want float64
		tol  float64
	}{
		{"same point", kathmandu, kathmandu, 0, 1e-9},
		{"80m north", kathmandu, Offset(kathmandu, 80, 0), 80, 1e-6},
		{"10m east", kathmandu, Offset(kathmandu, 0, 10), 10, 1e-3},
		{"one degree of latitude", Coordinate{Lat: 0, Lon: 0}, Coordinate{Lat: 1, Lon: 0}, 111194.93, 0.01},
		{"antipodes", Coordinate{Lat: 0, Lon: 0}, Coordinate{Lat: 0, Lon: 180}, math.Pi * EarthRadiusMeters, 1e-3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Distance(tc.a, tc.b)
			if math.Abs(got-tc.want) > tc.tol {
				t.Fatalf("Distance=%f, want %f (tol %g)", got, tc.want, tc.tol)
			}
			if back := Distance(tc.b, tc.a); math.Abs(back-got) > 1e-9 {
				t.Fatalf("distance not symmetric: %f vs %f", got, back)
			}
		})
	}
}

func TestContainsBoundary(t *testing.T) {
	p := Offset(kathmandu, 50, 0)
	d := Distance(kathmandu, p)

	if !Contains(kathmandu, d, p) {
		t.Fatalf("point at distance == radius must be contained")
	}
	if Contains(kathmandu, d-1e-6, p) {
		t.Fatalf("point at radius + epsilon must not be contained")
	}
	if !Contains(kathmandu, 50, kathmandu) {
		t.Fatalf("center must be contained")
	}
	if Contains(kathmandu, 50, Offset(kathmandu, 80, 0)) {
		t.Fatalf("80m sample must be outside a 50m radius")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		c     Coordinate
		valid bool
	}{
		{"ok", kathmandu, true},
		{"poles", Coordinate{Lat: 90, Lon: -180}, true},
		{"lat too big", Coordinate{Lat: 91, Lon: 0}, false},
		{"lon too small", Coordinate{Lat: 0, Lon: -180.5}, false},
		{"nan", Coordinate{Lat: math.NaN(), Lon: 0}, false},
		{"inf", Coordinate{Lat: 0, Lon: math.Inf(1)}, false},
	}
	for _, tc := range cases {
		err := tc.c.Validate()
		if tc.valid && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.valid && !errors.Is(err, ErrInvalidCoordinate) {
			t.Fatalf("%s: expected ErrInvalidCoordinate, got %v", tc.name, err)
		}
	}
}

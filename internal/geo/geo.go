package geo

import (
	"errors"
	"fmt"
	"math"
)

// earthRadiusMeters is the mean Earth radius used by the haversine formula.
const earthRadiusMeters = 6371000.0

// ErrInvalidCoordinates indicates a NaN or out-of-range latitude, longitude
// or radius. The validator rejects bad input outright; it never clamps.
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// Point is a position on the globe in decimal degrees.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Geofence is a circular region around a center point. Radius is in meters
// and must be positive.
type Geofence struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Radius    float64 `json:"radius"`
}

// Center returns the geofence center as a Point.
func (g Geofence) Center() Point {
	return Point{Latitude: g.Latitude, Longitude: g.Longitude}
}

func validPoint(p Point) error {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
		return fmt.Errorf("%w: NaN component", ErrInvalidCoordinates)
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinates, p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinates, p.Longitude)
	}
	return nil
}

// ValidateFence checks a geofence's center and radius.
func ValidateFence(g Geofence) error {
	if err := validPoint(g.Center()); err != nil {
		return err
	}
	if math.IsNaN(g.Radius) || g.Radius <= 0 {
		return fmt.Errorf("%w: radius must be positive, got %v", ErrInvalidCoordinates, g.Radius)
	}
	return nil
}

// Distance returns the great-circle distance in meters between two points
// using the haversine formula. Symmetric; zero for identical points.
func Distance(a, b Point) (float64, error) {
	if err := validPoint(a); err != nil {
		return 0, err
	}
	if err := validPoint(b); err != nil {
		return 0, err
	}
	phi1 := a.Latitude * math.Pi / 180
	phi2 := b.Latitude * math.Pi / 180
	dPhi := (b.Latitude - a.Latitude) * math.Pi / 180
	dLambda := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c, nil
}

// Result is the outcome of a geofence evaluation.
type Result struct {
	DistanceMeters float64 `json:"distance_meters"`
	WithinRadius   bool    `json:"within_radius"`
}

// Evaluate computes the distance from position to the fence center and the
// in/out verdict. The boundary is inclusive: exactly at the radius is inside.
func Evaluate(position Point, fence Geofence) (Result, error) {
	if err := ValidateFence(fence); err != nil {
		return Result{}, err
	}
	d, err := Distance(position, fence.Center())
	if err != nil {
		return Result{}, err
	}
	return Result{DistanceMeters: d, WithinRadius: d <= fence.Radius}, nil
}

// Package geo derives the caption's spatial fields: distance and bearing
// from the station, and speed and altitude unit conversions.
package geo

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// EarthRadiusKm is the mean radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// Conversion factors.
const (
	KnotsToKmh = 1.852
	KnotsToMph = 1.150779
	FeetToM    = 0.3048
)

// Point is a WGS84 position in degrees.
type Point struct {
	Lat float64 `yaml:"lat" json:"lat"`
	Lon float64 `yaml:"lon" json:"lon"`
}

func (p Point) latLng() s2.LatLng { return s2.LatLngFromDegrees(p.Lat, p.Lon) }

// DistanceKm is the haversine distance from station to (lat, lon). It
// returns nil when the station or either coordinate is missing.
func DistanceKm(station *Point, lat, lon *float64) *float64 {
	if station == nil || lat == nil || lon == nil {
		return nil
	}
	d := station.latLng().Distance(s2.LatLngFromDegrees(*lat, *lon)).Radians() * EarthRadiusKm
	return &d
}

// BearingDeg is the initial great-circle bearing from station to
// (lat, lon), in [0, 360). nil when any input is missing.
func BearingDeg(station *Point, lat, lon *float64) *float64 {
	if station == nil || lat == nil || lon == nil {
		return nil
	}
	from := station.latLng()
	to := s2.LatLngFromDegrees(*lat, *lon)
	phi1, phi2 := from.Lat.Radians(), to.Lat.Radians()
	dLambda := (to.Lng - from.Lng).Radians()

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	deg := (s1.Angle(math.Atan2(y, x)) * s1.Radian).Degrees()
	deg = math.Mod(deg+360, 360)
	return &deg
}

var compass = [...]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// Compass returns the 8-point compass direction for a bearing.
func Compass(deg float64) string {
	i := int(math.Mod(deg+22.5+360, 360) / 45)
	return compass[i%8]
}

// SpeedUnit is a display unit for ground speed.
type SpeedUnit string

const (
	Kmh   SpeedUnit = "km/h"
	Knots SpeedUnit = "kt"
	Mph   SpeedUnit = "mph"
)

// ParseSpeedUnit accepts "km/h" (also "kmh", ""), "kt" ("knots") and "mph".
func ParseSpeedUnit(s string) (SpeedUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "km/h", "kmh", "kph":
		return Kmh, nil
	case "kt", "kts", "knots":
		return Knots, nil
	case "mph":
		return Mph, nil
	}
	return "", fmt.Errorf("geo: unknown speed unit %q", s)
}

// Speed converts a ground speed in knots to unit. ok is false when knots is
// nil. No smoothing is applied.
func Speed(knots *float64, unit SpeedUnit) (value float64, u SpeedUnit, ok bool) {
	if knots == nil {
		return 0, unit, false
	}
	switch unit {
	case Knots:
		return *knots, Knots, true
	case Mph:
		return *knots * KnotsToMph, Mph, true
	default:
		return *knots * KnotsToKmh, Kmh, true
	}
}

// Height is an altitude in both units.
type Height struct {
	Metres float64
	Feet   float64
	Ground bool
}

// Altitude converts a barometric altitude in feet. On the ground both
// values are zero. ok is false when nothing is known.
func Altitude(feet *float64, ground bool) (Height, bool) {
	if ground {
		return Height{Ground: true}, true
	}
	if feet == nil {
		return Height{}, false
	}
	return Height{Metres: *feet * FeetToM, Feet: *feet}, true
}

package kml

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// LatLonBounds is a geographic bounding box in decimal degrees.
type LatLonBounds struct {
	North float64
	South float64
	East  float64
	West  float64
}

// earthRadius is the sphere radius used by EPSG:3857 (WGS84 semi-major axis).
const earthRadius = 6378137.0

// BoundsFromBBox converts an EPSG:3857 extent string "minx,miny,maxx,maxy"
// (meters) into geographic bounds. KML LatLonBox elements take degrees, while
// the WMS request keeps the projected extent.
func BoundsFromBBox(bbox string) (LatLonBounds, error) {
	parts := strings.Split(bbox, ",")
	if len(parts) != 4 {
		return LatLonBounds{}, fmt.Errorf("bbox must have 4 comma-separated values, got %q", bbox)
	}

	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return LatLonBounds{}, fmt.Errorf("bbox component %d: %w", i, err)
		}
		vals[i] = v
	}

	minX, minY, maxX, maxY := vals[0], vals[1], vals[2], vals[3]
	if minX >= maxX || minY >= maxY {
		return LatLonBounds{}, fmt.Errorf("bbox min must be less than max, got %q", bbox)
	}

	return LatLonBounds{
		West:  mercatorToLon(minX),
		South: mercatorToLat(minY),
		East:  mercatorToLon(maxX),
		North: mercatorToLat(maxY),
	}, nil
}

func mercatorToLon(x float64) float64 {
	return x / earthRadius * 180 / math.Pi
}

func mercatorToLat(y float64) float64 {
	return (2*math.Atan(math.Exp(y/earthRadius)) - math.Pi/2) * 180 / math.Pi
}

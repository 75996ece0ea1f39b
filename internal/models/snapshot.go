package models

import "time"

// Fixed coverage for the NDFD CONUS temperature layer. The region and
// projection never vary across refresh cycles.
const (
	RegionCONUS           = "CONUS"
	ProjectionWebMercator = "EPSG:3857"
)

// Snapshot is the published overlay state. Exactly one snapshot exists at a
// time; each successful refresh cycle replaces it wholesale. No history is
// retained.
type Snapshot struct {
	Layer         string    `json:"layer"`
	Timestamp     time.Time `json:"timestamp"`
	Region        string    `json:"region"`
	Projection    string    `json:"projection"`
	LegendPresent bool      `json:"legendPresent"`
	PublishedAt   time.Time `json:"publishedAt"`
	CycleID       string    `json:"cycleId"`
}

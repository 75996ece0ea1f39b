package wms

import (
	"net/url"
	"strconv"
	"time"
)

// MapParams holds the fixed GetMap parameters for the published overlay.
// BBox is the EPSG:3857 extent string passed through verbatim.
type MapParams struct {
	Layer  string
	BBox   string
	Width  int
	Height int
}

// MapURL builds the WMS 1.3.0 GetMap URL for the layer at the given timestamp.
// Query keys are emitted in sorted order, so equal inputs always yield equal
// URLs.
func MapURL(baseURL string, p MapParams, ts time.Time) string {
	params := url.Values{}
	params.Set("service", "WMS")
	params.Set("version", "1.3.0")
	params.Set("request", "GetMap")
	params.Set("layers", p.Layer)
	params.Set("styles", "")
	params.Set("crs", "EPSG:3857")
	params.Set("bbox", p.BBox)
	params.Set("width", strconv.Itoa(p.Width))
	params.Set("height", strconv.Itoa(p.Height))
	params.Set("format", "image/png")
	params.Set("transparent", "true")
	params.Set("time", ts.UTC().Format(time.RFC3339))
	return baseURL + "?" + params.Encode()
}

package wms

import (
	"net/url"
	"testing"
	"time"
)

var testMapParams = MapParams{
	Layer:  "ndfd.conus.temp",
	BBox:   "-14200679.12,2500000,-7400000,6505689.94",
	Width:  1024,
	Height: 768,
}

func TestMapURL_Parameters(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	raw := MapURL("https://digital.weather.gov/ndfd/wms", testMapParams, ts)

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("MapURL produced unparseable URL: %v", err)
	}
	if u.Scheme != "https" || u.Host != "digital.weather.gov" || u.Path != "/ndfd/wms" {
		t.Errorf("base = %s://%s%s, want https://digital.weather.gov/ndfd/wms", u.Scheme, u.Host, u.Path)
	}

	q := u.Query()
	want := map[string]string{
		"service":     "WMS",
		"version":     "1.3.0",
		"request":     "GetMap",
		"layers":      "ndfd.conus.temp",
		"styles":      "",
		"crs":         "EPSG:3857",
		"bbox":        "-14200679.12,2500000,-7400000,6505689.94",
		"width":       "1024",
		"height":      "768",
		"format":      "image/png",
		"transparent": "true",
		"time":        "2024-06-01T12:00:00Z",
	}
	for key, val := range want {
		if got := q.Get(key); got != val {
			t.Errorf("query %s = %q, want %q", key, got, val)
		}
	}
	if len(q) != len(want) {
		t.Errorf("query has %d params, want %d", len(q), len(want))
	}
}

func TestMapURL_Deterministic(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	a := MapURL("https://digital.weather.gov/ndfd/wms", testMapParams, ts)
	b := MapURL("https://digital.weather.gov/ndfd/wms", testMapParams, ts)
	if a != b {
		t.Errorf("MapURL not deterministic:\n%s\n%s", a, b)
	}
}

func TestMapURL_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("CST", -6*3600)
	ts := time.Date(2024, 6, 1, 6, 0, 0, 0, loc) // 12:00 UTC
	raw := MapURL("https://digital.weather.gov/ndfd/wms", testMapParams, ts)

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := u.Query().Get("time"); got != "2024-06-01T12:00:00Z" {
		t.Errorf("time = %q, want UTC form", got)
	}
}

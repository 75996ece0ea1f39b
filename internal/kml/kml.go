// Package kml renders the published KML 2.2 document: one raster overlay
// referencing a WMS GetMap image and one legend screen overlay. Output is
// deterministic; identical inputs yield identical bytes.
package kml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const kmlNamespace = "http://www.opengis.net/kml/2.2"

// Options configures one document build.
type Options struct {
	DocumentName string
	OverlayName  string
	MapHref      string
	LegendHref   string
	Bounds       LatLonBounds

	// NetworkLink switches from an embedded GroundOverlay to a self-refreshing
	// NetworkLink that re-fetches MapHref on an interval.
	NetworkLink     bool
	RefreshInterval time.Duration
}

type root struct {
	XMLName  xml.Name `xml:"kml"`
	Xmlns    string   `xml:"xmlns,attr"`
	Document document `xml:"Document"`
}

type document struct {
	Name          string         `xml:"name"`
	GroundOverlay *groundOverlay `xml:"GroundOverlay,omitempty"`
	NetworkLink   *networkLink   `xml:"NetworkLink,omitempty"`
	ScreenOverlay screenOverlay  `xml:"ScreenOverlay"`
}

type groundOverlay struct {
	Name      string    `xml:"name"`
	Icon      cdataIcon `xml:"Icon"`
	LatLonBox latLonBox `xml:"LatLonBox"`
}

type networkLink struct {
	Name string `xml:"name"`
	Link link   `xml:"Link"`
}

type link struct {
	Href            cdata  `xml:"href"`
	RefreshMode     string `xml:"refreshMode"`
	RefreshInterval int    `xml:"refreshInterval"`
}

type cdataIcon struct {
	Href cdata `xml:"href"`
}

type cdata struct {
	Value string `xml:",cdata"`
}

// latLonBox carries pre-formatted degree strings so output bytes do not
// depend on float printing quirks.
type latLonBox struct {
	North string `xml:"north"`
	South string `xml:"south"`
	East  string `xml:"east"`
	West  string `xml:"west"`
}

type screenOverlay struct {
	Name      string `xml:"name"`
	Icon      icon   `xml:"Icon"`
	OverlayXY xyAttr `xml:"overlayXY"`
	ScreenXY  xyAttr `xml:"screenXY"`
	Size      xyAttr `xml:"size"`
}

type icon struct {
	Href string `xml:"href"`
}

type xyAttr struct {
	X      string `xml:"x,attr"`
	Y      string `xml:"y,attr"`
	XUnits string `xml:"xunits,attr"`
	YUnits string `xml:"yunits,attr"`
}

// Build renders the document. Exactly one raster element (GroundOverlay or
// NetworkLink) and exactly one legend ScreenOverlay are emitted.
func Build(opts Options) ([]byte, error) {
	if opts.MapHref == "" {
		return nil, errors.New("kml: map href is required")
	}
	if opts.LegendHref == "" {
		return nil, errors.New("kml: legend href is required")
	}

	doc := document{
		Name: opts.DocumentName,
		ScreenOverlay: screenOverlay{
			Name:      "Legend",
			Icon:      icon{Href: opts.LegendHref},
			OverlayXY: xyAttr{X: "0", Y: "0", XUnits: "fraction", YUnits: "fraction"},
			ScreenXY:  xyAttr{X: "0.02", Y: "0.02", XUnits: "fraction", YUnits: "fraction"},
			Size:      xyAttr{X: "0", Y: "0", XUnits: "pixels", YUnits: "pixels"},
		},
	}

	if opts.NetworkLink {
		interval := opts.RefreshInterval
		if interval <= 0 {
			interval = 30 * time.Minute
		}
		doc.NetworkLink = &networkLink{
			Name: opts.OverlayName,
			Link: link{
				Href:            cdata{Value: opts.MapHref},
				RefreshMode:     "onInterval",
				RefreshInterval: int(interval.Seconds()),
			},
		}
	} else {
		doc.GroundOverlay = &groundOverlay{
			Name: opts.OverlayName,
			Icon: cdataIcon{Href: cdata{Value: opts.MapHref}},
			LatLonBox: latLonBox{
				North: formatDegrees(opts.Bounds.North),
				South: formatDegrees(opts.Bounds.South),
				East:  formatDegrees(opts.Bounds.East),
				West:  formatDegrees(opts.Bounds.West),
			},
		}
	}

	body, err := xml.MarshalIndent(root{Xmlns: kmlNamespace, Document: doc}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal kml: %w", err)
	}

	out := make([]byte, 0, len(xml.Header)+len(body)+1)
	out = append(out, xml.Header...)
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}

func formatDegrees(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

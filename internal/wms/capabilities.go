package wms

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrLayerNotFound   = errors.New("layer not found in capabilities")
	ErrNoTimeDimension = errors.New("no usable time dimension")
)

// capabilities mirrors the subset of a WMS 1.3.0 GetCapabilities response the
// publisher needs: the layer tree and each layer's time Dimension.
type capabilities struct {
	XMLName    xml.Name `xml:"WMS_Capabilities"`
	Capability struct {
		Layer layerNode `xml:"Layer"`
	} `xml:"Capability"`
}

// layerNode is one node in the (recursive) layer tree.
type layerNode struct {
	Name       string      `xml:"Name"`
	Dimensions []dimension `xml:"Dimension"`
	Layers     []layerNode `xml:"Layer"`
}

type dimension struct {
	Name    string `xml:"name,attr"`
	Default string `xml:"default,attr"`
	Value   string `xml:",chardata"`
}

// parseCapabilities decodes a GetCapabilities response body.
func parseCapabilities(body []byte) (*capabilities, error) {
	var caps capabilities
	if err := xml.Unmarshal(body, &caps); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	return &caps, nil
}

// LatestTime returns the most recent timestamp advertised for the named layer.
// Returns ErrLayerNotFound when the layer is absent and ErrNoTimeDimension
// when the layer carries no parseable time dimension.
func (c *capabilities) LatestTime(layer string) (time.Time, error) {
	node := findLayer(&c.Capability.Layer, layer)
	if node == nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrLayerNotFound, layer)
	}

	for _, dim := range node.Dimensions {
		if !strings.EqualFold(strings.TrimSpace(dim.Name), "time") {
			continue
		}
		if ts, ok := latestFromDimension(dim); ok {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: layer %s", ErrNoTimeDimension, layer)
}

// findLayer walks the layer tree depth-first looking for an exact Name match.
func findLayer(node *layerNode, name string) *layerNode {
	if strings.TrimSpace(node.Name) == name {
		return node
	}
	for i := range node.Layers {
		if found := findLayer(&node.Layers[i], name); found != nil {
			return found
		}
	}
	return nil
}

// latestFromDimension extracts the latest instant from a time dimension. The
// dimension body can be a comma-separated list of instants, one or more
// start/end/period intervals, or a mix. The interval end bounds the available
// data, so it counts as an instant. Falls back to the default attribute when
// no listed value parses.
func latestFromDimension(dim dimension) (time.Time, bool) {
	var latest time.Time
	found := false

	for _, entry := range strings.Split(dim.Value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if parts := strings.Split(entry, "/"); len(parts) >= 2 {
			entry = strings.TrimSpace(parts[1])
		}
		ts, err := parseWMSTime(entry)
		if err != nil {
			continue
		}
		if !found || ts.After(latest) {
			latest = ts
			found = true
		}
	}

	if !found {
		ts, err := parseWMSTime(strings.TrimSpace(dim.Default))
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	return latest, true
}

// parseWMSTime parses an ISO8601 instant as used in NDFD capabilities.
// Zone-less values are treated as UTC.
func parseWMSTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty time value")
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04Z",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time value %q", s)
}

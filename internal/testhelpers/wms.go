package testhelpers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// CapabilitiesXML builds a minimal WMS 1.3.0 GetCapabilities document
// advertising one named layer with the given time dimension body and default
// attribute. Either may be empty.
func CapabilitiesXML(layer, dimension, defaultVal string) string {
	dim := ""
	if dimension != "" || defaultVal != "" {
		dim = fmt.Sprintf(`<Dimension name="time" units="ISO8601" default="%s">%s</Dimension>`, defaultVal, dimension)
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<WMS_Capabilities version="1.3.0" xmlns="http://www.opengis.net/wms">
  <Service>
    <Name>WMS</Name>
    <Title>National Digital Forecast Database</Title>
  </Service>
  <Capability>
    <Layer>
      <Title>NDFD</Title>
      <Layer queryable="1">
        <Name>%s</Name>
        <Title>Temperature</Title>
        %s
      </Layer>
    </Layer>
  </Capability>
</WMS_Capabilities>`, layer, dim)
}

// CapabilitiesServer wraps an httptest server that answers GetCapabilities
// requests and counts how many it served.
type CapabilitiesServer struct {
	*httptest.Server
	requests atomic.Int64
}

// Requests returns the number of requests served so far.
func (s *CapabilitiesServer) Requests() int64 {
	return s.requests.Load()
}

// NewCapabilitiesServer starts a server that returns body with status 200.
// The server is closed automatically when the test finishes.
func NewCapabilitiesServer(t *testing.T, body string) *CapabilitiesServer {
	t.Helper()
	s := &CapabilitiesServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

// NewFlakyCapabilitiesServer starts a server that fails the first n requests
// with the given status and serves body afterwards.
func NewFlakyCapabilitiesServer(t *testing.T, n int, status int, body string) *CapabilitiesServer {
	t.Helper()
	s := &CapabilitiesServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.requests.Add(1) <= int64(n) {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

package gateway

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Service names an upstream the gateway proxies to.
type Service struct {
	Name       string `yaml:"name"`
	BaseURL    string `yaml:"base_url"`
	HealthPath string `yaml:"health_path"`
}

// Route maps a path prefix to an upstream service. Rewrite replaces the
// matched prefix; StripPrefix removes it. At most one of the two applies.
type Route struct {
	Prefix      string `yaml:"prefix"`
	Service     string `yaml:"service"`
	StripPrefix bool   `yaml:"strip_prefix"`
	Rewrite     string `yaml:"rewrite"`
}

// Table is the static routing table: the upstream set plus an ordered list
// of prefix rules, most specific first.
type Table struct {
	Services []Service `yaml:"services"`
	Routes   []Route   `yaml:"routes"`
}

// DefaultTable returns the stock route table used when no routes file is
// configured. Base URLs assume a local compose-style deployment.
func DefaultTable() *Table {
	t := &Table{
		Services: []Service{
			{Name: "localization", BaseURL: "http://localhost:8090", HealthPath: "/health"},
			{Name: "mapping", BaseURL: "http://localhost:8091", HealthPath: "/health"},
			{Name: "nakama", BaseURL: "http://localhost:7350", HealthPath: "/"},
		},
		Routes: []Route{
			{Prefix: "/api/localization", Service: "localization", StripPrefix: true},
			{Prefix: "/api/slam", Service: "localization", StripPrefix: true},
			{Prefix: "/api/vio", Service: "localization", StripPrefix: true},
			{Prefix: "/api/pose", Service: "localization", StripPrefix: true},
			{Prefix: "/api/maps", Service: "mapping"},
			{Prefix: "/api/reconstruction", Service: "mapping"},
			{Prefix: "/api/multiplayer", Service: "nakama", Rewrite: "/v2"},
			{Prefix: "/api/auth", Service: "nakama", Rewrite: "/v2/account"},
		},
	}
	t.normalize()
	return t
}

// LoadTable reads a route table from a YAML file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse route table: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	t.normalize()
	return &t, nil
}

func (t *Table) validate() error {
	known := make(map[string]bool, len(t.Services))
	for i, svc := range t.Services {
		if svc.Name == "" || svc.BaseURL == "" {
			return fmt.Errorf("service %d: name and base_url are required", i)
		}
		if known[svc.Name] {
			return fmt.Errorf("service %q declared twice", svc.Name)
		}
		known[svc.Name] = true
	}
	for i, r := range t.Routes {
		if !strings.HasPrefix(r.Prefix, "/") {
			return fmt.Errorf("route %d: prefix %q must start with /", i, r.Prefix)
		}
		if !known[r.Service] {
			return fmt.Errorf("route %d: unknown service %q", i, r.Service)
		}
		if r.Rewrite != "" && !strings.HasPrefix(r.Rewrite, "/") {
			return fmt.Errorf("route %d: rewrite %q must start with /", i, r.Rewrite)
		}
		if r.Rewrite != "" && r.StripPrefix {
			return fmt.Errorf("route %d: strip_prefix and rewrite are mutually exclusive", i)
		}
	}
	return nil
}

// normalize trims trailing slashes and orders routes most-specific-first so
// Resolve can take the first match.
func (t *Table) normalize() {
	for i := range t.Routes {
		if p := strings.TrimRight(t.Routes[i].Prefix, "/"); p != "" {
			t.Routes[i].Prefix = p
		}
	}
	sort.SliceStable(t.Routes, func(i, j int) bool {
		return len(t.Routes[i].Prefix) > len(t.Routes[j].Prefix)
	})
}

// Resolve returns the first route whose prefix matches path on a segment
// boundary.
func (t *Table) Resolve(path string) (*Route, bool) {
	for i := range t.Routes {
		r := &t.Routes[i]
		if path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/") {
			return r, true
		}
	}
	return nil, false
}

// RewritePath produces the upstream path for a request path that matched
// this route.
func (r *Route) RewritePath(path string) string {
	rest := strings.TrimPrefix(path, r.Prefix)
	switch {
	case r.Rewrite != "":
		path = r.Rewrite + rest
	case r.StripPrefix:
		path = rest
	}
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return path
}

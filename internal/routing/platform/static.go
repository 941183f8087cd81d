package platform

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/wesleywu/routemesh/internal/routing/types"
)

// Static serves a fixed route list, for hosts where the OS table should not
// be read and for tests
type Static struct {
	routes []types.Route
}

func NewStatic(routes []types.Route) *Static {
	return &Static{routes: append([]types.Route(nil), routes...)}
}

func (s *Static) ParseRoutes(context.Context) ([]types.Route, error) {
	return append([]types.Route(nil), s.routes...), nil
}

// StaticFile re-reads a YAML route file on every ParseRoutes call, so edits
// are picked up by the refresher
type StaticFile struct {
	Path string
}

// staticDocument is the file layout:
//
//	routes:
//	  - destination: 10.8.0.0/16
//	    gateway: 10.8.0.1
//	    interface: tun0
//	    metric: 50
type staticDocument struct {
	Routes []types.RouteRecord `yaml:"routes"`
}

func (f StaticFile) ParseRoutes(context.Context) ([]types.Route, error) {
	return LoadStaticFile(f.Path)
}

// LoadStaticFile parses a YAML route file. Every invalid record is reported.
func LoadStaticFile(path string) ([]types.Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, &types.RouteOperationError{ErrorType: types.RouteErrPermission, Destination: path, Cause: err}
		}
		return nil, &types.RouteOperationError{ErrorType: types.RouteErrSystemCall, Destination: path, Cause: err}
	}

	var doc staticDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &types.RouteOperationError{ErrorType: types.RouteErrInvalidRoute, Destination: path, Cause: fmt.Errorf("failed to parse route file: %w", err)}
	}

	routes := make([]types.Route, 0, len(doc.Routes))
	var errs error
	for _, rec := range doc.Routes {
		route, err := types.RouteFromRecord(rec)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		routes = append(routes, route)
	}
	if errs != nil {
		return nil, errs
	}
	return routes, nil
}

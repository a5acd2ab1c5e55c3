package api

import (
	"context"

	"github.com/gorilla/mux"
)

// RegisterEndpoints walks the router and records every route in the
// endpoint registry table. Failures are logged and skipped: the registry is
// operator metadata, not part of the serving path.
func (s *Server) RegisterEndpoints(ctx context.Context, router *mux.Router) {
	registered := 0
	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, err := route.GetPathTemplate()
		if err != nil {
			return nil // prefix-only routes have no template
		}
		methods, err := route.GetMethods()
		if err != nil {
			return nil
		}
		for _, method := range methods {
			if err := s.store.UpsertAPIEndpoint(ctx, method, path, route.GetName()); err != nil {
				s.logger.Printf("register %s %s: %v", method, path, err)
				continue
			}
			registered++
		}
		return nil
	})
	if err != nil {
		s.logger.Printf("walk router: %v", err)
	}
	s.logger.Printf("registered %d endpoints", registered)
}

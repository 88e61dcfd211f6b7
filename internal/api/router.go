package api

import "net/http"

// NewRouter builds the service mux with every API route attached.
func NewRouter(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

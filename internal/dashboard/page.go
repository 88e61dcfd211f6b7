package dashboard

import (
	_ "embed"
	"fmt"
	"net/http"
)

//go:embed web/index.html
var indexHTML string

// RegisterRoutes mounts the chart page and its websocket endpoint.
func (h *Hub) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, indexHTML)
	})
	mux.HandleFunc("/ws", h.ServeWS)
}

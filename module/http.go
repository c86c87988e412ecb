package module

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pipelined.dev/bci/metric"
	"pipelined.dev/bci/param"
)

// Parameters returns a copy of module parameters. It's safe for concurrent
// use, the copy is made by the loop goroutine.
func (m *Module) Parameters(ctx context.Context) (*param.List, error) {
	var params *param.List
	err := m.Do(ctx, func() error {
		params = m.params.Clone()
		return nil
	})
	return params, err
}

// Handler returns status routes of the module: /stage, /parameters and
// /metrics. More routes can be added to the returned router.
func (m *Module) Handler() *chi.Mux {
	r := chi.NewRouter()
	r.Get("/stage", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(w, m.Stage())
	})
	r.Get("/parameters", func(w http.ResponseWriter, r *http.Request) {
		params, err := m.Parameters(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		if err := param.WriteYAML(w, params); err != nil {
			m.logger.Debugf("write parameters: %v", err)
		}
	})
	r.Handle("/metrics", metric.Handler())
	return r
}

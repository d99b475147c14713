package transport

import "net/http"

type Handler interface {
	create(w http.ResponseWriter, r *http.Request)
	status(w http.ResponseWriter, r *http.Request)
	cancel(w http.ResponseWriter, r *http.Request)
	start(w http.ResponseWriter, r *http.Request)
	result(w http.ResponseWriter, r *http.Request)
	deliveryURL(w http.ResponseWriter, r *http.Request)
}

type router struct {
	h       Handler
	metrics http.Handler
}

// NewRouter mounts h. metrics, when non-nil, is served on /metrics.
func NewRouter(h Handler, metrics http.Handler) *router {
	return &router{h: h, metrics: metrics}
}

func (r *router) MountRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.HandleFunc("POST /uploads", r.h.create)
	mux.HandleFunc("GET /uploads/{id}", r.h.status)
	mux.HandleFunc("DELETE /uploads/{id}", r.h.cancel)
	mux.HandleFunc("POST /uploads/{id}/start", r.h.start)
	mux.HandleFunc("GET /uploads/{id}/result", r.h.result)
	mux.HandleFunc("GET /delivery-url", r.h.deliveryURL)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}

	return mux
}

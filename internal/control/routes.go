package control

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Vasu1712/meetsync/internal/meeting"
	"github.com/Vasu1712/meetsync/internal/middleware"
)

// RegisterRoutes mounts the control API on r.
func RegisterRoutes(r *mux.Router, h *Handler) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", h.State).Methods(http.MethodGet)
	api.HandleFunc("/transcript", h.Transcript).Methods(http.MethodGet)
	api.HandleFunc("/captions", h.Captions).Methods(http.MethodGet)
	api.HandleFunc("/lobby", h.Lobby).Methods(http.MethodGet)

	api.HandleFunc("/join", h.action((*meeting.Lifecycle).Join)).Methods(http.MethodPost)
	api.HandleFunc("/leave", h.action(func(l *meeting.Lifecycle) error {
		l.Leave()
		return nil
	})).Methods(http.MethodPost)
	api.HandleFunc("/end", h.action((*meeting.Lifecycle).End)).Methods(http.MethodPost)
	api.HandleFunc("/lobby/retry", h.action((*meeting.Lifecycle).Retry)).Methods(http.MethodPost)
	api.HandleFunc("/lobby/{id}/approve", h.Approve).Methods(http.MethodPost)
	api.HandleFunc("/lobby/{id}/decline", h.Decline).Methods(http.MethodPost)
	api.HandleFunc("/screen-share", h.ScreenShare).Methods(http.MethodPost)

	r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/ws/events", h.ServeWS)
}

// NewRouter builds the full control handler with request logging and CORS.
func NewRouter(h *Handler, origin string) http.Handler {
	r := mux.NewRouter()
	r.Use(h.logRequests)
	RegisterRoutes(r, h)
	return middleware.CORS(origin, h.log)(r)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.log.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

// NewServer returns an http.Server for the control API on addr.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

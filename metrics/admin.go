package metrics

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaykit/go-smtpd/log"
	"github.com/relaykit/go-smtpd/store"
)

type handler func(http.ResponseWriter, *http.Request) error

// httpError carries a status code out of a handler.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

// ServeHTTP logs the request and reports handler errors
func (h handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log.LogTrace("Admin: %v %v %v %v", parseRemoteAddr(req), req.Proto, req.Method, req.RequestURI)
	if err := h(w, req); err != nil {
		var he *httpError
		if errors.As(err, &he) {
			http.Error(w, he.msg, he.status)
			return
		}
		log.LogError("Error handling %v: %v", req.RequestURI, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// AdminServer serves metrics and the message store over HTTP.
type AdminServer struct {
	Addr string

	store   *store.Store
	metrics *Metrics
	router  *mux.Router

	mu       sync.Mutex
	listener net.Listener
	shutdown bool
}

func NewAdminServer(addr string, s *store.Store, m *Metrics) *AdminServer {
	a := &AdminServer{Addr: addr, store: s, metrics: m}
	a.setupRoutes()
	return a
}

func (a *AdminServer) setupRoutes() {
	r := mux.NewRouter()

	if a.metrics != nil {
		r.Path("/metrics").Handler(promhttp.HandlerFor(a.metrics.Registry, promhttp.HandlerOpts{})).Name("Metrics").Methods("GET")
	}
	r.Path("/healthz").Handler(handler(a.health)).Name("Health").Methods("GET")

	r.Path("/messages").Handler(handler(a.messageList)).Name("Messages").Methods("GET")
	r.Path("/messages/{id:[0-9A-Z]+}").Handler(handler(a.messageView)).Name("MessageView").Methods("GET")
	r.Path("/messages/{id:[0-9A-Z]+}").Handler(handler(a.messageDelete)).Name("MessageDelete").Methods("DELETE")
	r.Path("/messages/{id:[0-9A-Z]+}/envelope").Handler(handler(a.messageEnvelope)).Name("MessageEnvelope").Methods("GET")

	a.router = r
}

func (a *AdminServer) Handler() http.Handler {
	return a.router
}

// Start listens on Addr and serves until Stop is called.
func (a *AdminServer) Start() error {
	server := &http.Server{
		Addr:         a.Addr,
		Handler:      a.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	// We don't use ListenAndServe because it lacks a way to close the listener
	l, err := net.Listen("tcp", a.Addr)
	if err != nil {
		log.LogError("Admin failed to start TCP listener: %v", err)
		return err
	}
	a.mu.Lock()
	a.listener = l
	a.mu.Unlock()
	log.LogInfo("Admin listening on TCP %v", l.Addr())

	err = server.Serve(l)
	a.mu.Lock()
	shutdown := a.shutdown
	a.mu.Unlock()
	if shutdown {
		log.LogTrace("Admin server shutting down on request")
		return nil
	}
	log.LogError("Admin server failed: %v", err)
	return err
}

func (a *AdminServer) Stop() {
	log.LogTrace("Admin shutdown requested")
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown = true
	if a.listener != nil {
		a.listener.Close()
	} else {
		log.LogError("Admin listener was nil during shutdown")
	}
}

func (a *AdminServer) health(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err := w.Write([]byte("ok\n"))
	return err
}

func (a *AdminServer) messageList(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(a.store.List())
}

func (a *AdminServer) lookup(r *http.Request) (*store.Stored, error) {
	msg, err := a.store.Get(mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		return nil, &httpError{http.StatusNotFound, "message not found"}
	}
	return msg, err
}

func (a *AdminServer) messageView(w http.ResponseWriter, r *http.Request) error {
	msg, err := a.lookup(r)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "message/rfc822")
	_, err = w.Write(msg.Content)
	return err
}

func (a *AdminServer) messageDelete(w http.ResponseWriter, r *http.Request) error {
	id := mux.Vars(r)["id"]
	if err := a.store.Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &httpError{http.StatusNotFound, "message not found"}
		}
		return err
	}
	log.LogInfo("Deleted message <%s>", id)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *AdminServer) messageEnvelope(w http.ResponseWriter, r *http.Request) error {
	msg, err := a.lookup(r)
	if err != nil {
		return err
	}
	b, err := msg.Envelope.MarshalMsg(nil)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/msgpack")
	_, err = w.Write(b)
	return err
}

func parseRemoteAddr(r *http.Request) string {
	if realip := r.Header.Get("X-Real-IP"); realip != "" {
		return realip
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// X-Forwarded-For is potentially a list of addresses separated with ","
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	return r.RemoteAddr
}

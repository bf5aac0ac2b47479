// Package admin implements the REST control surface: CRUD over clusters
// and routes, plus the bootstrap-generation endpoints. It is a thin
// JSON-envelope wrapper around the Store — every mutation here goes through
// the Store, whose version bump triggers the resulting xDS push.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/xdscp/xdscp/internal/bootstrap"
	"github.com/xdscp/xdscp/internal/config"
	"github.com/xdscp/xdscp/internal/model"
	"github.com/xdscp/xdscp/internal/store"
)

// envelope is the response shape every JSON endpoint returns.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message"`
}

// Server is the admin HTTP handler.
type Server struct {
	store     *store.Store
	bootstrap *bootstrap.Generator
	cfg       *config.Config
	log       *slog.Logger
}

func NewServer(st *store.Store, gen *bootstrap.Generator, cfg *config.Config, log *slog.Logger) *Server {
	return &Server{store: st, bootstrap: gen, cfg: cfg, log: log}
}

// Router builds the mux.Router that cmd/controlplane wires into net/http.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/clusters", s.handleListClusters).Methods(http.MethodGet)
	r.HandleFunc("/clusters", s.handleCreateCluster).Methods(http.MethodPost)
	r.HandleFunc("/clusters/{name}", s.handleGetCluster).Methods(http.MethodGet)
	r.HandleFunc("/clusters/{name}", s.handleUpdateCluster).Methods(http.MethodPut)
	r.HandleFunc("/clusters/{name}", s.handleDeleteCluster).Methods(http.MethodDelete)

	r.HandleFunc("/routes", s.handleListRoutes).Methods(http.MethodGet)
	r.HandleFunc("/routes", s.handleCreateRoute).Methods(http.MethodPost)
	r.HandleFunc("/routes/{id}", s.handleGetRoute).Methods(http.MethodGet)
	r.HandleFunc("/routes/{id}", s.handleUpdateRoute).Methods(http.MethodPut)
	r.HandleFunc("/routes/{id}", s.handleDeleteRoute).Methods(http.MethodDelete)

	r.HandleFunc("/generate-config", s.handleGenerateConfig).Methods(http.MethodPost)
	r.HandleFunc("/generate-bootstrap", s.handleGenerateBootstrap).Methods(http.MethodGet)
	r.HandleFunc("/supported-http-methods", s.handleSupportedMethods).Methods(http.MethodGet)

	return r
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// --- clusters ---

func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, s.store.ListClusters(), "")
}

func (s *Server) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	c, err := s.store.GetCluster(name)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, c, "")
}

func (s *Server) handleCreateCluster(w http.ResponseWriter, r *http.Request) {
	var c model.Cluster
	if !decodeBody(w, r, &c) {
		return
	}
	if err := s.store.PutCluster(c, true); err != nil {
		s.writeStoreErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, c.Name, "cluster created")
}

func (s *Server) handleUpdateCluster(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var body struct {
		Endpoints *[]model.Endpoint `json:"endpoints"`
		LBPolicy  *string           `json:"lb_policy"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	patch := store.ClusterPatch{Endpoints: body.Endpoints}
	if body.LBPolicy != nil {
		p := model.LBPolicy(*body.LBPolicy)
		patch.LBPolicy = &p
	}

	if _, err := s.store.PatchCluster(name, patch); err != nil {
		s.writeStoreErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, name, "cluster updated")
}

func (s *Server) handleDeleteCluster(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.store.DeleteCluster(name); err != nil {
		s.writeStoreErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil, "cluster deleted")
}

// --- routes ---

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, s.store.ListRoutes(), "")
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	route, err := s.store.GetRoute(id)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, route, "")
}

func (s *Server) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var route model.Route
	if !decodeBody(w, r, &route) {
		return
	}
	created, err := s.store.CreateRoute(route)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, created.ID, "route created")
}

func (s *Server) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Path          *string   `json:"path"`
		ClusterName   *string   `json:"cluster_name"`
		PrefixRewrite *string   `json:"prefix_rewrite"`
		HTTPMethods   *[]string `json:"http_methods"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	patch := store.RoutePatch{
		Path:          body.Path,
		ClusterName:   body.ClusterName,
		PrefixRewrite: body.PrefixRewrite,
		HTTPMethods:   body.HTTPMethods,
	}
	if _, err := s.store.PatchRoute(id, patch); err != nil {
		s.writeStoreErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, id, "route updated")
}

func (s *Server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.DeleteRoute(id); err != nil {
		s.writeStoreErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil, "route deleted")
}

// --- bootstrap ---

func (s *Server) handleGenerateConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProxyName string `json:"proxy_name"`
		ProxyPort int    `json:"proxy_port"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	yamlDoc, err := s.bootstrap.Generate(body.ProxyName, body.ProxyPort)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, http.StatusOK, yamlDoc, "")
}

func (s *Server) handleGenerateBootstrap(w http.ResponseWriter, r *http.Request) {
	yamlDoc, err := s.bootstrap.Generate("", 0)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, http.StatusOK, yamlDoc, "")
}

func (s *Server) handleSupportedMethods(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, s.cfg.HTTPMethods.SupportedMethods, "")
}

// --- helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

func (s *Server) writeStoreErr(w http.ResponseWriter, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeErr(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("admin handler failed", "error", err)
		writeErr(w, http.StatusInternalServerError, err.Error())
	}
}

func writeOK(w http.ResponseWriter, status int, data any, message string) {
	writeJSON(w, status, envelope{Success: true, Data: data, Message: message})
}

func writeErr(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

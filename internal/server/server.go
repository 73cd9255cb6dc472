// Package server wires the public HTTP surface: the per-user swagger
// document, the proxy entry point, provisioning, and the live feed.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"

	"github.com/hashicorp/go-hclog"

	"github.com/goal-eng/api-mutator/internal/config"
	"github.com/goal-eng/api-mutator/internal/feed"
	"github.com/goal-eng/api-mutator/internal/proxy"
	"github.com/goal-eng/api-mutator/internal/store"
)

var proxyPathPattern = regexp.MustCompile(`^/v(\d+)(/.*)?$`)

type Server struct {
	cfg      *config.Config
	store    *store.Store
	pipeline *proxy.Pipeline
	hub      *feed.Hub
	log      hclog.Logger
	http     *http.Server
}

func New(cfg *config.Config, st *store.Store, pipeline *proxy.Pipeline, hub *feed.Hub, log hclog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		pipeline: pipeline,
		hub:      hub,
		log:      log,
	}
	s.http = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info("listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/swagger.json":
		s.handleSwagger(w, r)
	case r.URL.Path == "/api/user-update":
		s.handleUserUpdate(w, r)
	case r.URL.Path == "/ws":
		s.handleFeed(w, r)
	default:
		if m := proxyPathPattern.FindStringSubmatch(r.URL.Path); m != nil {
			userID, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				http.NotFound(w, r)
				return
			}
			s.pipeline.Handle(userID, w, r)
			return
		}
		http.NotFound(w, r)
	}
}

// handleSwagger serves the caller's permuted document. Identity comes
// from Basic auth against the local account; the authenticated user's id
// is the permutation seed.
func (s *Server) handleSwagger(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(r)
	if !ok {
		http.Error(w, "authentication required", http.StatusForbidden)
		return
	}

	m, err := s.pipeline.Mixers().Get(user.ID)
	if err != nil {
		s.log.Error("failed to build mixer", "user_id", user.ID, "error", err)
		http.Error(w, "could not build API description", http.StatusInternalServerError)
		return
	}

	// Shallow copy so the cached (immutable) document keeps its host.
	doc := *m.Permuted
	doc.Host = r.Host
	data, err := json.Marshal(&doc)
	if err != nil {
		http.Error(w, "could not serialize API description", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) authenticate(r *http.Request) (*store.User, bool) {
	email, password, ok := r.BasicAuth()
	if !ok {
		return nil, false
	}
	user, err := s.store.UserByEmail(email)
	if err != nil {
		return nil, false
	}
	if !user.CheckPassword(password) {
		return nil, false
	}
	return user, true
}

// handleUserUpdate provisions an account: create-or-update by email,
// reset the password, return the new one. Gated by the ApiKey header.
func (s *Server) handleUserUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.checkAPIKey(r) {
		http.Error(w, "invalid api key", http.StatusForbidden)
		return
	}

	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" {
		http.Error(w, "email is required", http.StatusBadRequest)
		return
	}

	password := store.NewPassword()
	user, err := s.store.UpsertUser(body.Email, password)
	if err != nil {
		s.log.Error("user provisioning failed", "email", body.Email, "error", err)
		http.Error(w, "could not update user", http.StatusInternalServerError)
		return
	}
	s.log.Info("provisioned user", "email", user.Email, "user_id", user.ID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"email":    user.Email,
		"password": password,
	})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if !s.checkAPIKey(r) {
		http.Error(w, "invalid api key", http.StatusForbidden)
		return
	}
	s.hub.ServeWS(w, r)
}

func (s *Server) checkAPIKey(r *http.Request) bool {
	key := r.Header.Get("ApiKey")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.Proxy.APIKey)) == 1
}

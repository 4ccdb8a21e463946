// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/tunwall/internal/config"
	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/scheduler"
	"grimm.is/tunwall/internal/vpn"
)

// RulesInfo describes the installed rule snapshot.
type RulesInfo struct {
	Version   uint64    `json:"version"`
	Source    string    `json:"source,omitempty"`
	Compiled  time.Time `json:"compiled,omitempty"`
	DNSRules  int       `json:"dns_rules"`
	HTTPRules int       `json:"http_rules"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Pipeline  vpn.Status             `json:"pipeline"`
	Rules     RulesInfo              `json:"rules"`
	Tasks     []scheduler.TaskStatus `json:"tasks,omitempty"`
}

func (s *Server) rulesInfo() RulesInfo {
	if s.opts.Rules == nil {
		return RulesInfo{}
	}
	snap := s.opts.Rules.Load()
	if snap == nil {
		return RulesInfo{}
	}
	d, h := snap.Counts()
	return RulesInfo{
		Version:   snap.Version,
		Source:    snap.Source,
		Compiled:  snap.Compiled,
		DNSRules:  d,
		HTTPRules: h,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Pipeline.Status().Running {
		respondWithError(w, http.StatusServiceUnavailable, "pipeline not running")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status() StatusResponse {
	resp := StatusResponse{
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Pipeline:  s.opts.Pipeline.Status(),
		Rules:     s.rulesInfo(),
	}
	if s.opts.Tasks != nil {
		resp.Tasks = s.opts.Tasks.GetStatus()
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.rulesInfo())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tasks == nil {
		respondWithJSON(w, http.StatusOK, []scheduler.TaskStatus{})
		return
	}
	respondWithJSON(w, http.StatusOK, s.opts.Tasks.GetStatus())
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.opts.Tasks == nil {
		respondWithError(w, http.StatusNotFound, "task not found")
		return
	}
	st, ok := s.opts.Tasks.GetTaskStatus(id)
	if !ok {
		respondWithError(w, http.StatusNotFound, "task not found")
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.opts.Tasks == nil {
		respondWithError(w, http.StatusNotFound, "task not found")
		return
	}
	if err := s.opts.Tasks.RunTask(id); err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("task triggered", "task", id)
	respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "started", "task": id})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(config.Format(s.opts.Settings.Redacted()))
}

// handleConfigDiff shows how the running configuration departs from the defaults.
func (s *Server) handleConfigDiff(w http.ResponseWriter, r *http.Request) {
	text := config.Diff(config.DefaultConfig(), s.opts.Settings, "defaults", "running")
	if text == "" {
		text = "No changes.\n"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(text))
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch errors.GetKind(err) {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindUnavailable:
		return http.StatusServiceUnavailable
	case errors.KindPermission:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

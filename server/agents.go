package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/calderahq/caldera"
)

type agentRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Avatar      string              `json:"avatar"`
	Type        caldera.AgentType   `json:"type"`
	Status      caldera.AgentStatus `json:"status"`
	Public      bool                `json:"public"`
	Config      caldera.AgentConfig `json:"config"`
}

func (s *Server) createAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	agent, err := s.svc.CreateAgent(r.Context(), caldera.Agent{
		OwnerID:     userID(r),
		Name:        req.Name,
		Description: req.Description,
		Avatar:      req.Avatar,
		Type:        req.Type,
		Public:      req.Public,
		Config:      req.Config,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, agent)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.svc.ListAgents(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if agents == nil {
		agents = []caldera.Agent{}
	}
	s.respond(w, http.StatusOK, agents)
}

func (s *Server) listPublicAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.svc.ListPublicAgents(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if agents == nil {
		agents = []caldera.Agent{}
	}
	s.respond(w, http.StatusOK, agents)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.svc.GetAgent(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, agent)
}

func (s *Server) updateAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	status := req.Status
	if status == "" {
		status = caldera.AgentStatusIdle
	}
	agent, err := s.svc.UpdateAgent(r.Context(), caldera.Agent{
		ID:          chi.URLParam(r, "id"),
		Name:        req.Name,
		Description: req.Description,
		Avatar:      req.Avatar,
		Type:        req.Type,
		Status:      status,
		Public:      req.Public,
		Config:      req.Config,
	}, userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, agent)
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteAgent(r.Context(), chi.URLParam(r, "id"), userID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) availableTools(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.tools.Definitions(nil))
}

func (s *Server) availableSkills(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.skills.List(nil))
}

func (s *Server) agentTools(w http.ResponseWriter, r *http.Request) {
	agent, err := s.svc.GetAgent(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, s.tools.Definitions(orEmpty(agent.Config.Tools)))
}

func (s *Server) addTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, ok := s.tools.Get(req.Name); !ok {
		s.fail(w, r, caldera.NotFound("tool %s not found", req.Name))
		return
	}
	agent, err := s.svc.AddTool(r.Context(), chi.URLParam(r, "id"), userID(r), req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, agent)
}

func (s *Server) agentSkills(w http.ResponseWriter, r *http.Request) {
	agent, err := s.svc.GetAgent(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, s.skills.List(orEmpty(agent.Config.Skills)))
}

func (s *Server) addSkill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, ok := s.skills.Get(req.ID); !ok {
		s.fail(w, r, caldera.NotFound("skill %s not found", req.ID))
		return
	}
	agent, err := s.svc.AddSkill(r.Context(), chi.URLParam(r, "id"), userID(r), req.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, agent)
}

func (s *Server) executeSkill(w http.ResponseWriter, r *http.Request) {
	var input json.RawMessage
	if err := decodeBody(r, &input); err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.svc.ExecuteSkill(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "skillID"), userID(r), input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, result)
}

func (s *Server) startRuntime(w http.ResponseWriter, r *http.Request) {
	state, err := s.svc.StartRuntime(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"state": string(state)})
}

func (s *Server) stopRuntime(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.StopRuntime(r.Context(), chi.URLParam(r, "id"), userID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"state": string(caldera.StateIdle)})
}

func (s *Server) resetRuntime(w http.ResponseWriter, r *http.Request) {
	state, err := s.svc.ResetRuntime(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"state": string(state)})
}

// orEmpty keeps nil config slices from meaning "all registered".
func orEmpty(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}

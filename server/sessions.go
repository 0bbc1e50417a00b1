package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/calderahq/caldera"
)

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	// An empty body is fine; sessions do not require a title.
	_ = decodeBody(r, &req)

	sess, err := s.svc.CreateSession(r.Context(), chi.URLParam(r, "id"), userID(r), req.Title)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.svc.ListSessions(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []caldera.AgentSession{}
	}
	s.respond(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.GetSession(r.Context(), chi.URLParam(r, "sid"), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteSession(r.Context(), chi.URLParam(r, "sid"), userID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	messages, err := s.svc.ListMessages(r.Context(), chi.URLParam(r, "sid"), userID(r), limit+offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// Offset pages backwards from the newest message, which sits at the end
	// of the chronological slice.
	if offset > 0 {
		if offset >= len(messages) {
			messages = nil
		} else {
			messages = messages[:len(messages)-offset]
		}
	}
	if messages == nil {
		messages = []caldera.AgentMessage{}
	}
	s.respond(w, http.StatusOK, messages)
}

type sendMessageRequest struct {
	Content  string                `json:"content"`
	Messages []caldera.ChatMessage `json:"messages"`
}

func (req *sendMessageRequest) chatRequest() (caldera.ChatRequest, error) {
	if len(req.Messages) > 0 {
		return caldera.ChatRequest{Messages: req.Messages}, nil
	}
	if req.Content == "" {
		return caldera.ChatRequest{}, caldera.BadRequest("content is required")
	}
	return caldera.ChatRequest{Messages: []caldera.ChatMessage{caldera.UserMessage(req.Content)}}, nil
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	chatReq, err := req.chatRequest()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	sid := chi.URLParam(r, "sid")
	sess, err := s.svc.GetSession(r.Context(), sid, userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp, _, err := s.svc.SendMessage(r.Context(), sess.AgentID, sid, userID(r), chatReq)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.respond(w, http.StatusOK, map[string]any{
		"session_id":          sid,
		"content":             resp.First().Content,
		"model":               resp.Model,
		"usage":               resp.Usage,
		"iterations_exceeded": resp.IterationsExceeded,
	})
}

// streamMessage serves the SSE chat surface. The message text comes from the
// content query parameter; each content delta becomes a {id, content, done}
// frame, and a final done:true frame closes the stream.
func (s *Server) streamMessage(w http.ResponseWriter, r *http.Request) {
	content := r.URL.Query().Get("content")
	if content == "" {
		s.fail(w, r, caldera.BadRequest("content query parameter is required"))
		return
	}

	sid := chi.URLParam(r, "sid")
	sess, err := s.svc.GetSession(r.Context(), sid, userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	chunks := make(chan caldera.ChatStreamChunk)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.svc.StreamMessage(r.Context(), sess.AgentID, sid, userID(r),
			caldera.ChatRequest{Messages: []caldera.ChatMessage{caldera.UserMessage(content)}}, chunks)
		errCh <- err
	}()

	var sse *sseWriter
	for chunk := range chunks {
		if sse == nil {
			var ok bool
			if sse, ok = newSSEWriter(w); !ok {
				s.fail(w, r, caldera.BadRequest("streaming unsupported by connection"))
				// Drain so the producer can finish and release the runtime.
				for range chunks {
				}
				<-errCh
				return
			}
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content == "" {
				continue
			}
			if err := sse.send(streamFrame{ID: chunk.ID, Content: c.Delta.Content}); err != nil {
				// Consumer went away; the request context cancellation stops
				// the producer.
				for range chunks {
				}
				<-errCh
				return
			}
		}
	}

	err = <-errCh
	if err != nil && sse == nil {
		// Stream failed before the first delta; a regular error response is
		// still possible.
		s.fail(w, r, err)
		return
	}
	if sse == nil {
		if sse, _ = newSSEWriter(w); sse == nil {
			return
		}
	}
	_ = sse.send(streamFrame{Done: true})
}

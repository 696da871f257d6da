package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 64,
	WriteBufferSize: 1024 * 64,
	CheckOrigin: func(r *http.Request) bool {
		return true // local tool; the server binds to loopback by default
	},
}

// WebSocket message types from client.
const (
	wsMsgAnalyze = "analyze"
	wsMsgPreview = "preview"
)

// WebSocket message types to client.
const (
	wsMsgAnalysis = "analysis"
	wsMsgPlan     = "plan"
	wsMsgDone     = "done"
	wsMsgError    = "error"
)

// wsMessage is the envelope for WebSocket messages in both directions.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// wsDone closes a preview stream.
type wsDone struct {
	Plans      int              `json:"plans"`
	Unresolved []unresolvedJSON `json:"unresolved,omitempty"`
}

// handleWebSocket serves one client. Requests are handled in order; a
// preview streams one "plan" message per plan followed by "done".
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "err", err)
		return
	}
	defer conn.Close()
	ctx := s.context(r)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read", "err", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendWSError(conn, "invalid message format")
			continue
		}

		switch msg.Type {
		case wsMsgAnalyze:
			var req analyzeRequest
			if !s.decodeWS(conn, msg.Data, &req) {
				continue
			}
			resp, err := s.analyze(ctx, req)
			if err != nil {
				s.sendWSError(conn, err.Error())
				continue
			}
			s.sendWSMessage(conn, wsMsgAnalysis, resp)
		case wsMsgPreview:
			var req planRequest
			if !s.decodeWS(conn, msg.Data, &req) {
				continue
			}
			resp, err := s.plan(ctx, req, func(p planJSON) error {
				return s.sendWSMessage(conn, wsMsgPlan, p)
			})
			if err != nil {
				s.sendWSError(conn, err.Error())
				continue
			}
			s.sendWSMessage(conn, wsMsgDone, wsDone{Plans: len(resp.Plans), Unresolved: resp.Unresolved})
		default:
			s.sendWSError(conn, "unknown message type: "+msg.Type)
		}
	}
}

func (s *Server) decodeWS(conn *websocket.Conn, data json.RawMessage, v any) bool {
	if len(data) == 0 {
		return true
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.sendWSError(conn, "invalid request data: "+err.Error())
		return false
	}
	return true
}

func (s *Server) sendWSMessage(conn *websocket.Conn, msgType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		s.log.Error("ws marshal", "err", err)
		return err
	}
	if err := conn.WriteJSON(wsMessage{Type: msgType, Data: raw}); err != nil {
		s.log.Warn("ws write", "err", err)
		return err
	}
	return nil
}

func (s *Server) sendWSError(conn *websocket.Conn, errMsg string) {
	s.sendWSMessage(conn, wsMsgError, map[string]string{"message": errMsg})
}

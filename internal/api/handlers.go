package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-fanout/internal/bus"
	"github.com/nerrad567/gray-logic-fanout/internal/journal"
	"github.com/nerrad567/gray-logic-fanout/internal/mqttlink"
)

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status           string       `json:"status"`
	Version          string       `json:"version"`
	UptimeSeconds    int64        `json:"uptime_seconds"`
	Endpoints        int          `json:"endpoints"`
	MQTT             memberCounts `json:"mqtt"`
	TCP              tcpCounts    `json:"tcp"`
	WebSocketClients int          `json:"websocket_clients"`
}

type memberCounts struct {
	Members   int `json:"members"`
	Connected int `json:"connected"`
}

type tcpCounts struct {
	Listeners   int `json:"listeners"`
	Connections int `json:"connections"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	members := s.pool.Members()
	connected := 0
	for _, m := range members {
		if m.State == mqttlink.StateConnected.String() {
			connected++
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Endpoints:     s.router.Len(),
		MQTT:          memberCounts{Members: len(members), Connected: connected},
		TCP: tcpCounts{
			Listeners:   len(s.listener.Bindings()),
			Connections: len(s.listener.Connections()),
		},
		WebSocketClients: s.hub.ClientCount(),
	})
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, _ *http.Request) {
	addrs := s.router.Addresses()
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoints": addrs,
		"count":     len(addrs),
	})
}

func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	members := s.pool.Members()
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": members,
		"count":       len(members),
	})
}

// addConnectionRequest is the body of POST /mqtt/connections.
type addConnectionRequest struct {
	ConnectionString string   `json:"connection_string"`
	Topics           []string `json:"topics,omitempty"`
}

// operationResponse reports the outcome of a pool request.
type operationResponse struct {
	Addr             string `json:"addr"`
	ConnectionString string `json:"connection_string"`
	Transaction      string `json:"transaction"`
}

func (s *Server) handleAddConnection(w http.ResponseWriter, r *http.Request) {
	var req addConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.ConnectionString == "" {
		writeBadRequest(w, "connection_string is required")
		return
	}

	replies, err := s.exchange(r.Context(), bus.Envelope{
		Dst:  s.pool.Addr(),
		Type: mqttlink.TypeAdd,
		Payload: mqttlink.ConnectProps{
			ConnectionString: req.ConnectionString,
			Topics:           req.Topics,
		},
	}, true)
	if err != nil {
		s.writeExchangeError(w, err)
		return
	}

	if added, ok := find(replies, mqttlink.TypeAdded); ok {
		payload, _ := bus.PayloadAs[mqttlink.EndpointAddr](added)
		writeJSON(w, http.StatusAccepted, operationResponse{
			Addr:             payload.Addr,
			ConnectionString: payload.ConnectionString,
			Transaction:      added.Transaction,
		})
		return
	}
	s.writeFailure(w, replies)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "addr")
	if addr == "" {
		writeBadRequest(w, "connection address is required")
		return
	}

	replies, err := s.exchange(r.Context(), bus.Envelope{
		Dst:     s.pool.Addr(),
		Type:    mqttlink.TypeDelete,
		Payload: mqttlink.EndpointAddr{Addr: addr},
	}, true)
	if err != nil {
		s.writeExchangeError(w, err)
		return
	}

	if deleted, ok := find(replies, mqttlink.TypeDeleted); ok {
		payload, _ := bus.PayloadAs[mqttlink.EndpointAddr](deleted)
		writeJSON(w, http.StatusOK, operationResponse{
			Addr:             payload.Addr,
			ConnectionString: payload.ConnectionString,
			Transaction:      deleted.Transaction,
		})
		return
	}
	s.writeFailure(w, replies)
}

// publishRequest is the body of POST /mqtt/publish. Addr is optional.
type publishRequest struct {
	Addr    string `json:"addr,omitempty"`
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Topic == "" {
		writeBadRequest(w, "topic is required")
		return
	}

	replies, err := s.exchange(r.Context(), bus.Envelope{
		Dst:  s.pool.Addr(),
		Type: mqttlink.TypePublish,
		Payload: mqttlink.PublishRequest{
			Addr:    req.Addr,
			Topic:   req.Topic,
			Message: []byte(req.Message),
		},
	}, false)
	if err != nil {
		s.writeExchangeError(w, err)
		return
	}

	if failure, ok := firstFailure(replies); ok {
		s.writeFailure(w, []bus.Envelope{failure})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	conns := s.listener.Connections()
	if conns == nil {
		conns = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": conns,
		"listeners":   s.listener.Bindings(),
		"count":       len(conns),
	})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeUnavailable(w, "journal is disabled")
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{
		Type:        q.Get("type"),
		Src:         q.Get("src"),
		Transaction: q.Get("transaction"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be a non-negative integer")
		return
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("journal query failed", "error", err)
		writeInternalError(w, "journal query failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeFailure maps the first failure among replies onto an HTTP error.
func (s *Server) writeFailure(w http.ResponseWriter, replies []bus.Envelope) {
	failure, ok := firstFailure(replies)
	if !ok {
		writeInternalError(w, "unexpected reply on the bus")
		return
	}

	switch failure.Type {
	case mqttlink.TypeEndpointsError:
		e, _ := bus.PayloadAs[mqttlink.EndpointsError](failure)
		switch {
		case strings.HasPrefix(e.Msg, "not found"):
			writeNotFound(w, e.Msg)
		case strings.HasSuffix(e.Msg, "without connection string"), strings.HasSuffix(e.Msg, "without topic"):
			writeBadRequest(w, e.Msg)
		default:
			writeConflict(w, e.Msg)
		}
	case mqttlink.TypeError:
		e, _ := bus.PayloadAs[mqttlink.ConnectionError](failure)
		writeConflict(w, e.Error)
	case bus.TypeLogError:
		msg, _ := failure.Payload.(string)
		if strings.HasPrefix(msg, "endpoint was not found") {
			writeUnavailable(w, msg)
			return
		}
		writeConflict(w, msg)
	default:
		writeConflict(w, failure.Type)
	}
}

func (s *Server) writeExchangeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNoReply) {
		s.logger.Warn("bus request timed out", "error", err)
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
		return
	}
	writeInternalError(w, err.Error())
}

func find(replies []bus.Envelope, typ string) (bus.Envelope, bool) {
	for _, env := range replies {
		if env.Type == typ {
			return env, true
		}
	}
	return bus.Envelope{}, false
}

// firstFailure returns the first error-class reply.
func firstFailure(replies []bus.Envelope) (bus.Envelope, bool) {
	for _, env := range replies {
		switch env.Type {
		case mqttlink.TypeEndpointsError, mqttlink.TypeError, bus.TypeLogError:
			return env, true
		}
	}
	return bus.Envelope{}, false
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

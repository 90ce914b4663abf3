// Package fakeremote is an in-memory CRM server for tests. It implements the
// REST contract the sync core talks to and lets tests inject failures.
package fakeremote

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
)

var idPrefix = map[models.EntityType]string{
	models.EntityCustomer: "cust_",
	models.EntityJob:      "job_",
	models.EntityMaterial: "mat_",
	models.EntityUser:     "user_",
}

// Request is a recorded call.
type Request struct {
	Method         string
	Path           string
	IdempotencyKey string
	BaseUpdatedAt  string
	Authorization  string
	Body           string
}

type stored struct {
	fields  map[string]any
	updated time.Time
}

type tombstone struct {
	typ     models.EntityType
	id      string
	deleted time.Time
}

// Server is the fake remote.
type Server struct {
	srv   *httptest.Server
	clock clockwork.Clock

	mu         sync.Mutex
	entities   map[models.EntityType]map[string]*stored
	tombstones []tombstone
	nextID     map[models.EntityType]int
	idempotent map[string][]byte
	requests   []Request
	failures   []int
	conflicts  map[string]bool
	down       bool
}

// New starts a fake remote. A nil clock uses the wall clock.
func New(clock clockwork.Clock) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Server{
		clock:      clock,
		entities:   make(map[models.EntityType]map[string]*stored),
		nextID:     make(map[models.EntityType]int),
		idempotent: make(map[string][]byte),
		conflicts:  make(map[string]bool),
	}
	for _, t := range models.EntityTypes {
		s.entities[t] = make(map[string]*stored)
		s.nextID[t] = 1
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the base URL of the server.
func (s *Server) URL() string {
	return s.srv.URL
}

// Close shuts the server down.
func (s *Server) Close() {
	s.srv.Close()
}

// SetNextID sets the numeric suffix of the next id assigned for t.
func (s *Server) SetNextID(t models.EntityType, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID[t] = n
}

// SetDown makes every request, health included, answer 503.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// FailNext makes the next len(statuses) entity or batch requests answer with
// the given statuses, in order.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// ConflictOnce makes the next PUT of id answer 409 with the current copy.
func (s *Server) ConflictOnce(t models.EntityType, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[key(t, id)] = true
}

// Seed stores an entity as if another client had written it. The entity's
// updatedAt is kept when set, otherwise stamped with the server clock.
func (s *Server) Seed(e models.Entity) {
	data, err := models.Encode(e)
	if err != nil {
		panic(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		panic(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	updated := e.Meta().UpdatedAt
	if updated.IsZero() {
		updated = s.clock.Now().UTC()
		fields["updatedAt"] = updated.Format(time.RFC3339Nano)
	}
	if e.Meta().CreatedAt.IsZero() {
		fields["createdAt"] = updated.Format(time.RFC3339Nano)
	}
	s.entities[e.Type()][e.Meta().ID] = &stored{fields: fields, updated: updated}
}

// Remove deletes an entity as if another client had deleted it.
func (s *Server) Remove(t models.EntityType, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(t, id)
}

// Entity returns the server copy of an entity, or nil.
func (s *Server) Entity(t models.EntityType, id string) models.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[t][id]
	if !ok {
		return nil
	}
	data, _ := json.Marshal(st.fields)
	e, err := models.DecodeEntity(t, data)
	if err != nil {
		return nil
	}
	return e
}

// Count returns the number of stored entities of t.
func (s *Server) Count(t models.EntityType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities[t])
}

// Requests returns the recorded requests, health probes excluded.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// RequestsTo returns the recorded requests with the given method and path
// prefix.
func (s *Server) RequestsTo(method, prefix string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method == method && strings.HasPrefix(r.Path, prefix) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service unavailable"})
		return
	}
	if r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	s.requests = append(s.requests, Request{
		Method:         r.Method,
		Path:           r.URL.Path,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		BaseUpdatedAt:  r.Header.Get("X-Base-Updated-At"),
		Authorization:  r.Header.Get("Authorization"),
		Body:           string(body),
	})

	if len(s.failures) > 0 {
		status := s.failures[0]
		s.failures = s.failures[1:]
		writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
		return
	}

	switch r.URL.Path {
	case "/sync/push":
		s.handlePush(w, body)
		return
	case "/sync/pull":
		s.handlePull(w, body)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	t, err := models.ParseEntityType(parts[0])
	if err != nil || len(parts) > 2 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such route"})
		return
	}

	switch {
	case r.Method == http.MethodPost && len(parts) == 1:
		status, resp := s.create(t, body, r.Header.Get("Idempotency-Key"))
		writeRaw(w, status, resp)
	case r.Method == http.MethodPut && len(parts) == 2:
		status, resp := s.update(t, parts[1], body, r.Header.Get("X-Base-Updated-At"))
		writeRaw(w, status, resp)
	case r.Method == http.MethodDelete && len(parts) == 2:
		if _, ok := s.entities[t][parts[1]]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		s.removeLocked(t, parts[1])
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && len(parts) == 2:
		st, ok := s.entities[t][parts[1]]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusOK, st.fields)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) create(t models.EntityType, body []byte, idemKey string) (int, []byte) {
	if idemKey != "" {
		if resp, ok := s.idempotent[idemKey]; ok {
			return http.StatusOK, resp
		}
	}

	fields, status, resp := s.decodeValid(t, body)
	if fields == nil {
		return status, resp
	}

	now := s.clock.Now().UTC()
	id := fmt.Sprintf("%s%d", idPrefix[t], s.nextID[t])
	s.nextID[t]++
	fields["id"] = id
	if created, _ := fields["createdAt"].(string); created == "" || strings.HasPrefix(created, "0001-") {
		fields["createdAt"] = now.Format(time.RFC3339Nano)
	}
	fields["updatedAt"] = now.Format(time.RFC3339Nano)
	s.entities[t][id] = &stored{fields: fields, updated: now}

	out, _ := json.Marshal(fields)
	if idemKey != "" {
		s.idempotent[idemKey] = out
	}
	return http.StatusCreated, out
}

// update replaces an entity. A base that no longer matches the stored
// updatedAt is a lost update and answers 409 with the current copy.
func (s *Server) update(t models.EntityType, id string, body []byte, base string) (int, []byte) {
	st, ok := s.entities[t][id]
	if !ok {
		out, _ := json.Marshal(map[string]string{"error": "not found"})
		return http.StatusNotFound, out
	}
	if s.conflicts[key(t, id)] {
		delete(s.conflicts, key(t, id))
		out, _ := json.Marshal(map[string]any{"error": "version conflict", "current": st.fields})
		return http.StatusConflict, out
	}
	if base != "" {
		at, err := time.Parse(time.RFC3339Nano, base)
		if err != nil {
			out, _ := json.Marshal(map[string]string{"error": "bad base timestamp"})
			return http.StatusBadRequest, out
		}
		if at.UnixMilli() != st.updated.UnixMilli() {
			out, _ := json.Marshal(map[string]any{"error": "entity changed since base", "current": st.fields})
			return http.StatusConflict, out
		}
	}

	fields, status, resp := s.decodeValid(t, body)
	if fields == nil {
		return status, resp
	}
	now := s.clock.Now().UTC()
	fields["id"] = id
	fields["createdAt"] = st.fields["createdAt"]
	fields["updatedAt"] = now.Format(time.RFC3339Nano)
	s.entities[t][id] = &stored{fields: fields, updated: now}

	out, _ := json.Marshal(fields)
	return http.StatusOK, out
}

// decodeValid parses and validates an entity body. On failure fields is nil
// and status/resp hold the error response.
func (s *Server) decodeValid(t models.EntityType, body []byte) (map[string]any, int, []byte) {
	e, err := models.DecodeEntity(t, body)
	if err != nil {
		out, _ := json.Marshal(map[string]string{"error": err.Error()})
		return nil, http.StatusBadRequest, out
	}
	if err := e.Validate(); err != nil {
		out, _ := json.Marshal(map[string]string{"error": err.Error()})
		return nil, http.StatusUnprocessableEntity, out
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		out, _ := json.Marshal(map[string]string{"error": err.Error()})
		return nil, http.StatusBadRequest, out
	}
	return fields, 0, nil
}

func (s *Server) handlePush(w http.ResponseWriter, body []byte) {
	var req struct {
		Entities []struct {
			Type      models.EntityType `json:"type"`
			Operation models.Operation  `json:"operation"`
			Entity    json.RawMessage   `json:"entity"`
		} `json:"entities"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	type ack struct {
		Type   models.EntityType `json:"type"`
		Entity json.RawMessage   `json:"entity"`
	}
	acks := []ack{}
	for _, item := range req.Entities {
		var id struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(item.Entity, &id)

		var status int
		var out []byte
		switch {
		case item.Operation == models.OperationDelete:
			s.removeLocked(item.Type, id.ID)
			continue
		case id.ID != "" && s.entities[item.Type][id.ID] != nil:
			status, out = s.update(item.Type, id.ID, item.Entity, "")
		default:
			status, out = s.create(item.Type, item.Entity, "")
		}
		if status >= 300 {
			continue
		}
		acks = append(acks, ack{Type: item.Type, Entity: out})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": acks})
}

func (s *Server) handlePull(w http.ResponseWriter, body []byte) {
	var req struct {
		LastSyncTime *time.Time `json:"lastSyncTime"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var since time.Time
	if req.LastSyncTime != nil {
		since = *req.LastSyncTime
	}

	type item struct {
		Type    models.EntityType `json:"type"`
		Entity  any               `json:"entity"`
		Deleted bool              `json:"deleted,omitempty"`
	}
	items := []item{}
	for _, t := range models.EntityTypes {
		ids := make([]string, 0, len(s.entities[t]))
		for id := range s.entities[t] {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			st := s.entities[t][id]
			if st.updated.After(since) {
				items = append(items, item{Type: t, Entity: st.fields})
			}
		}
	}
	if !since.IsZero() {
		for _, ts := range s.tombstones {
			if ts.deleted.After(since) {
				items = append(items, item{Type: ts.typ, Entity: map[string]string{"id": ts.id}, Deleted: true})
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entities":  items,
		"timestamp": s.clock.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) removeLocked(t models.EntityType, id string) {
	if _, ok := s.entities[t][id]; !ok {
		return
	}
	delete(s.entities[t], id)
	s.tombstones = append(s.tombstones, tombstone{typ: t, id: id, deleted: s.clock.Now().UTC()})
}

func key(t models.EntityType, id string) string {
	return string(t) + "/" + id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, _ := json.Marshal(v)
	writeRaw(w, status, data)
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

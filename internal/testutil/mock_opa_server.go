package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// OPADecisionPath is the path the mock OPA server answers on.
const OPADecisionPath = "/v1/data/privypress/decision"

// OPAServer is an httptest.Server that mimics OPA's data API for the
// privypress decision document.
type OPAServer struct {
	*httptest.Server

	mu     sync.Mutex
	inputs []json.RawMessage
}

// Inputs returns the raw "input" documents received so far.
func (s *OPAServer) Inputs() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.inputs...)
}

// NewOPAServer answers POST OPADecisionPath with {"result": result} and the
// given status. A nil result omits the field (an undefined decision). delay
// holds each response, for timeout tests. Caller must Close the server.
func NewOPAServer(status int, result interface{}, delay time.Duration) *OPAServer {
	s := &OPAServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != OPADecisionPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			Input json.RawMessage `json:"input"`
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		s.mu.Lock()
		s.inputs = append(s.inputs, body.Input)
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		resp := map[string]interface{}{}
		if result != nil {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	return s
}

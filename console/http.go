package console

import (
	"encoding/json"
	"math"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"pipelined.dev/bci/metric"
	"pipelined.dev/bci/operator"
	"pipelined.dev/bci/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type (
	status struct {
		Operation   string `json:"operation"`
		State       string `json:"state"`
		Connections int    `json:"connections"`
		Modules     int    `json:"modules"`
	}

	connection struct {
		Index     int                      `json:"index"`
		Name      string                   `json:"name"`
		Connected bool                     `json:"connected"`
		Status    string                   `json:"status,omitempty"`
		Info      *protocol.ConnectionInfo `json:"info,omitempty"`
	}

	// watchChange is sent to websocket sessions. NaN values are null.
	watchChange struct {
		Watch  string     `json:"watch"`
		Time   float64    `json:"time"`
		Values []*float64 `json:"values"`
	}
)

// Handler returns status routes and the websocket console at /console.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
		s.json(w, status{
			Operation:   s.sm.Operation().String(),
			State:       s.sm.SystemState().String(),
			Connections: s.sm.Connections(),
			Modules:     len(s.sm.Modules()),
		})
	})
	r.Get("/connections", func(w http.ResponseWriter, r *http.Request) {
		var connections []connection
		for i, name := range s.sm.Modules() {
			c := connection{Index: i, Name: name}
			if info, err := s.sm.ConnectionInfo(i); err == nil {
				c.Connected = true
				c.Info = &info
			}
			if st, err := s.sm.ModuleStatus(i); err == nil {
				c.Status = st.String()
			}
			connections = append(connections, c)
		}
		s.json(w, connections)
	})
	r.Get("/parameters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		if err := s.sm.SaveParameters(w); err != nil {
			s.logger.Errorf("write parameters: %v", err)
		}
	})
	r.Get("/components", func(w http.ResponseWriter, r *http.Request) {
		s.json(w, metric.GetAll())
	})
	r.Handle("/metrics", metric.Handler())
	r.Get("/console", s.websocket)
	return r
}

func (s *Server) json(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorf("encode response: %v", err)
	}
}

// websocket runs a session that executes one command per text frame and
// replies with the result.
func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugf("upgrade: %v", err)
		return
	}
	defer conn.Close()
	id := xid.New().String()
	if !s.track(id, conn) {
		return
	}
	defer s.untrack(id)
	logger := s.logger.WithField("remote", conn.RemoteAddr().String())

	var mu sync.Mutex
	write := func(v interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		return conn.WriteJSON(v)
	}
	i := s.interpreter(func(c operator.Change) {
		change := watchChange{Watch: c.ID, Time: c.Time, Values: make([]*float64, len(c.Values))}
		for j := range c.Values {
			if !math.IsNaN(c.Values[j]) {
				change.Values[j] = &c.Values[j]
			}
		}
		if err := write(change); err != nil {
			logger.Debugf("write watch: %v", err)
		}
	})
	defer i.Close()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		result := i.Execute(string(data))
		if i.Quit() {
			mu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			mu.Unlock()
			return
		}
		if err := write(result); err != nil {
			logger.Debugf("write result: %v", err)
			return
		}
	}
}

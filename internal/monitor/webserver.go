// Package monitor serves the runtime status API and the admin debug
// surface.
package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/halcyon-robotics/graspgate/internal/eventbus"
	"github.com/halcyon-robotics/graspgate/internal/monitoring"
	"github.com/halcyon-robotics/graspgate/internal/percept/decision"
	"github.com/halcyon-robotics/graspgate/internal/percept/pipeline"
	"github.com/halcyon-robotics/graspgate/internal/store"
)

// Server exposes /api/status and the /debug/ admin routes.
type Server struct {
	engine       *decision.Engine
	orchestrator *pipeline.Orchestrator
	bus          *eventbus.Bus
	db           *store.DB
	dbPath       string
	startedAt    time.Time
}

// NewServer wires a status server over the running components. db may be
// nil when event persistence is disabled; dbPath is the database file the
// admin SQL surface labels its connection with.
func NewServer(engine *decision.Engine, orchestrator *pipeline.Orchestrator, bus *eventbus.Bus, db *store.DB, dbPath string) *Server {
	return &Server{
		engine:       engine,
		orchestrator: orchestrator,
		bus:          bus,
		db:           db,
		dbPath:       dbPath,
		startedAt:    time.Now(),
	}
}

// Status is the /api/status response body.
type Status struct {
	UptimeSeconds float64                 `json:"uptime_seconds"`
	AlarmActive   bool                    `json:"alarm_active"`
	Target        *decision.GlobalTarget  `json:"target,omitempty"`
	Devices       []decision.DeviceStatus `json:"devices"`
	Pipeline      pipeline.Metrics        `json:"pipeline"`
	BusDropped    uint64                  `json:"bus_dropped"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := Status{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		AlarmActive:   s.engine.AlarmActive(),
		Devices:       s.engine.DeviceStatuses(),
		Pipeline:      s.orchestrator.Metrics(),
		BusDropped:    s.bus.Dropped(),
	}
	if target, ok := s.engine.Target(); ok {
		status.Target = &target
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		monitoring.Diagf("[monitor] failed to encode status: %v", err)
	}
}

func (s *Server) warningsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.db == nil {
		http.Error(w, "Event persistence is disabled", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	warnings, err := s.db.RecentWarnings(limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to query warnings: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(warnings); err != nil {
		monitoring.Diagf("[monitor] failed to encode warnings: %v", err)
	}
}

// ServeMux builds the HTTP mux with the API and admin routes attached.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.statusHandler)
	mux.HandleFunc("/api/warnings", s.warningsHandler)
	s.attachAdminRoutes(mux)
	return mux
}

// attachAdminRoutes mounts the /debug/ surface. These routes are meant for
// localhost or tailnet access only.
func (s *Server) attachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	if s.db == nil {
		return
	}
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Opsf("[monitor] failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://"+s.dbPath, s.db.DB, &tailsql.DBOptions{
		Label: "Event DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
}

// Package rpcserver exposes a local, read-only HTTP status/control surface
// for the scheduling core, the same kind of local GUI-RPC listener BOINC's
// own client runs alongside its project-facing scheduler RPC — a separate
// concern from the out-of-scope GUI manager  and from the
// ProjectRpc transport to project servers.
package rpcserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jontk/boinc-corekeeper/internal/core"
	"github.com/jontk/boinc-corekeeper/pkg/logging"
)

// Server is the local status/control HTTP surface. It never mutates the
// core; every route reads a point-in-time view of the graph, registry, or
// last RR-Sim pass.
type Server struct {
	core   *core.Context
	router *mux.Router
	ws     *EventBroadcaster
	logger logging.Logger
}

// New builds a Server bound to the given core. Routes: GET /status,
// GET /projects, GET /resources, GET /schedule, and GET /events for the
// websocket push channel.
func New(c *core.Context, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	s := &Server{
		core:   c,
		router: mux.NewRouter(),
		ws:     NewEventBroadcaster(logger),
		logger: logger,
	}
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/projects", s.handleProjects).Methods(http.MethodGet)
	s.router.HandleFunc("/resources", s.handleResources).Methods(http.MethodGet)
	s.router.HandleFunc("/schedule", s.handleSchedule).Methods(http.MethodGet)
	s.router.HandleFunc("/events", s.ws.HandleWebSocket)
	return s
}

// ServeHTTP implements http.Handler by delegating to the router, so a
// Server can be mounted directly with http.ListenAndServe or nested under
// another mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// PublishTick broadcasts every event emitted since the last publish to
// connected websocket clients. The driver calls this once per tick, after
// core.Context.Tick returns, so the push channel never blocks the
// scheduling loop itself.
func (s *Server) PublishTick(since time.Time) {
	for _, e := range s.core.Events().Since(since) {
		s.ws.Broadcast(e)
	}
}

type statusResponse struct {
	Now           time.Time `json:"now"`
	ProjectCount  int       `json:"project_count"`
	ResourceCount int       `json:"resource_count"`
	RunnableCount int       `json:"runnable_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Now:           time.Now(),
		ProjectCount:  len(s.core.Graph.Projects()),
		ResourceCount: len(s.core.Registry.Resources()),
		RunnableCount: len(s.core.Graph.RunnableResults()),
	}
	writeJSON(w, resp)
}

type projectView struct {
	MasterURL     string  `json:"master_url"`
	ProjectName   string  `json:"project_name"`
	ResourceShare float64 `json:"resource_share"`
	REC           float64 `json:"rec"`
	Priority      float64 `json:"priority"`
	Suspended     bool    `json:"suspended"`
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects := s.core.Graph.Projects()
	out := make([]projectView, 0, len(projects))
	for _, p := range projects {
		if p.Handle == core.NoHandle {
			continue
		}
		out = append(out, projectView{
			MasterURL:     p.MasterURL,
			ProjectName:   p.ProjectName,
			ResourceShare: p.ResourceShare,
			REC:           p.REC,
			Priority:      core.Priority(p),
			Suspended:     p.Suspended,
		})
	}
	writeJSON(w, out)
}

type resourceView struct {
	Type          int     `json:"type"`
	Kind          string  `json:"kind"`
	NInstances    int     `json:"n_instances"`
	RelativeSpeed float64 `json:"relative_speed"`
	HasExclusions bool    `json:"has_exclusions"`
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	resources := s.core.Registry.Resources()
	out := make([]resourceView, 0, len(resources))
	for _, rsc := range resources {
		out = append(out, resourceView{
			Type:          rsc.Type,
			Kind:          rsc.Kind.String(),
			NInstances:    rsc.NInstances,
			RelativeSpeed: rsc.RelativeSpeed,
			HasExclusions: rsc.HasExclusions,
		})
	}
	writeJSON(w, out)
}

type scheduleView struct {
	Now            time.Time `json:"now"`
	MissedResults  []string  `json:"missed_results"`
	RunningResults []string  `json:"running_results"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	sim := s.core.LastSimResult()
	view := scheduleView{Now: time.Now()}
	if sim != nil {
		for _, res := range sim.MissedResults(s.core.Graph) {
			view.MissedResults = append(view.MissedResults, res.Name)
		}
	}
	for _, res := range s.core.Graph.RunnableResults() {
		if res.State == core.ResultRunning {
			view.RunningResults = append(view.RunningResults, res.Name)
		}
	}
	writeJSON(w, view)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

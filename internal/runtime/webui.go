package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/warren/internal/runtime/jsoncodec"
	"github.com/drblury/warren/internal/runtime/registry"
	"github.com/drblury/warren/internal/runtime/supervisor"
)

// ConsumerInfo summarises a registered consumer for the status API.
type ConsumerInfo struct {
	Name       string `json:"name"`
	Exchange   string `json:"exchange"`
	Queue      string `json:"queue"`
	RetryQueue string `json:"retry_queue,omitempty"`
	ErrorQueue string `json:"error_queue,omitempty"`
	Worker     string `json:"worker"`
	Threads    int    `json:"threads"`
	Prefetch   int    `json:"prefetch"`
}

// Status is the supervisor snapshot served on /api/status.
type Status struct {
	State     string                   `json:"state"`
	Workers   []supervisor.ChildInfo   `json:"workers"`
	Processes []registry.ProcessRecord `json:"processes"`
	Resource  ResourceUsage            `json:"resource"`
}

// StartWebUIServer mounts the status API when the web UI is enabled.
func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = 8081
	}

	s.RegisterHTTPHandler(port, "/api/consumers", http.HandlerFunc(s.handleGetConsumers))
	s.RegisterHTTPHandler(port, "/api/status", http.HandlerFunc(s.handleGetStatus))
}

// ConsumerInfos lists the registered consumers.
func (s *Service) ConsumerInfos() []ConsumerInfo {
	all := s.consumers.All()
	out := make([]ConsumerInfo, 0, len(all))
	for _, c := range all {
		topo := c.Topology()
		info := ConsumerInfo{
			Name:     c.Name(),
			Exchange: topo.Exchange.Name,
			Queue:    topo.Queue.Name,
			Worker:   c.Worker(),
			Threads:  c.Threads(),
			Prefetch: topo.Prefetch,
		}
		if topo.RetryQueue != nil {
			info.RetryQueue = topo.RetryQueue.Name
		}
		if topo.ErrorQueue != nil {
			info.ErrorQueue = topo.ErrorQueue.Name
		}
		out = append(out, info)
	}
	return out
}

func (s *Service) handleGetConsumers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.ConsumerInfos())
}

func (s *Service) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{Resource: s.resourceTracker.Snapshot()}
	if sup := s.currentSupervisor(); sup != nil {
		status.State = sup.State().String()
		status.Workers = sup.Children()
	}
	if s.registry != nil {
		processes, err := s.registry.List(r.Context())
		if err != nil {
			s.Logger.Error("Failed to list processes", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		status.Processes = processes
	}
	s.writeJSON(w, r, status)
}

func (s *Service) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")

	// Set CORS headers based on configuration
	if len(s.Conf.WebUICORSAllowedOrigins) > 0 {
		if allowedOrigin := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	// Handle preflight requests
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(body)
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

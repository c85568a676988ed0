package server

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/twinlab/go-connect-server/authflow"
	"github.com/twinlab/go-connect-server/connections"
	"github.com/twinlab/go-connect-server/internal/config"
	"github.com/twinlab/go-connect-server/monitor"
	"github.com/twinlab/go-connect-server/providers"
)

type Server struct {
	env      string // Environment (e.g., "development", "production")
	mux      *http.ServeMux
	routes   []string
	config   config.Config
	registry *providers.Registry
	builder  *authflow.Builder
	exchange *authflow.ExchangeService
	repo     connections.Repo
	hub      *monitor.Hub
	webhooks *monitor.WebhookProcessor
}

func New(
	config config.Config,
	registry *providers.Registry,
	builder *authflow.Builder,
	exchange *authflow.ExchangeService,
	repo connections.Repo,
	hub *monitor.Hub,
	webhooks *monitor.WebhookProcessor,
) (*Server, error) {
	if registry == nil || builder == nil || exchange == nil || repo == nil || hub == nil || webhooks == nil {
		return nil, errors.New("[Server New] missing dependency")
	}

	s := &Server{
		mux:      http.NewServeMux(),
		config:   config,
		registry: registry,
		builder:  builder,
		exchange: exchange,
		repo:     repo,
		hub:      hub,
		webhooks: webhooks,
	}
	s.env = config.GetEnv()

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("", parts[0])
		}
	}
}

func logRoute(method, path string) {
	var displayMethod string
	paddedMethod := fmt.Sprintf(" %-7s", method)
	if color, ok := methodColors[method]; ok {
		displayMethod = color + paddedMethod + ResetColor
	} else {
		displayMethod = Gray + paddedMethod + ResetColor
	}
	log.Printf("[%-19s] %s\n", displayMethod, path)
}

package http

import (
	"net/http"
	"regexp"

	"github.com/samsamfire/goservo/pkg/gateway"
	"github.com/samsamfire/goservo/pkg/session"
	log "github.com/sirupsen/logrus"
)

const API_VERSION = "1.0"
const MAX_SEQUENCE_NB = 2<<31 - 1
const URI_PATTERN = `^/servo/(\d+\.\d+)/(\d{1,10})/(.*)$`

var regURI = regexp.MustCompile(URI_PATTERN)

var MODE_MAP = map[string]int8{
	"pp": 1,
	"pv": 3,
}

type GatewayServer struct {
	*gateway.BaseGateway
	logger   log.FieldLogger
	serveMux *http.ServeMux
	routes   map[string]GatewayRequestHandler
}

// Create a new gateway
func NewGatewayServer(s *session.Session, logger log.FieldLogger) *GatewayServer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	base := gateway.NewBaseGateway(s, logger)
	gw := &GatewayServer{BaseGateway: base, logger: logger.WithField("service", "[HTTP]")}
	gw.serveMux = http.NewServeMux()
	gw.serveMux.HandleFunc("/", gw.handleRequest) // This base route handles all the requests
	gw.routes = make(map[string]GatewayRequestHandler)

	// Session
	gw.addRoute("connect", gw.handleConnect)
	gw.addRoute("disconnect", gw.handleDisconnect)
	gw.addRoute("status", gw.handleStatus)

	// Drive commands
	for _, command := range base.Commands() {
		gw.addRoute(command, createCommandHandler(base, command))
	}
	gw.addRoute("mode", gw.handleMode)
	gw.addRoute("position", gw.handlePosition)
	gw.addRoute("move", gw.handleMove)
	gw.addRoute("velocity", gw.handleVelocity)

	gw.addRoute("info/version", gw.handleGetVersion)
	return gw
}

// Process server, blocking
func (gateway *GatewayServer) ListenAndServe(addr string) error {
	gateway.logger.Infof("serving on %v", addr)
	return http.ListenAndServe(addr, gateway.serveMux)
}

func (gateway *GatewayServer) Handler() http.Handler {
	return gateway.serveMux
}

// Add a route to the server for handling a specific command
func (g *GatewayServer) addRoute(command string, handler GatewayRequestHandler) {
	g.routes[command] = handler
}

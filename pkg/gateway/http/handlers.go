package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/samsamfire/goservo/pkg/cia402"
	"github.com/samsamfire/goservo/pkg/gateway"
)

// Wrapper around [http.ResponseWriter] but keeps track of any writes already done
// This allows us to perform default behaviour if handler has not already sent a response
type doneWriter struct {
	http.ResponseWriter
	done bool
}

// Handle a [GatewayRequest]
type GatewayRequestHandler func(w *doneWriter, req *GatewayRequest) error

func (w *doneWriter) WriteHeader(status int) {
	w.done = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *doneWriter) Write(b []byte) (int, error) {
	w.done = true
	return w.ResponseWriter.Write(b)
}

// Default handler of any HTTP gateway request
// This parses a typical request and forwards it to the correct handler
func (g *GatewayServer) handleRequest(w http.ResponseWriter, raw *http.Request) {
	g.logger.Debugf("handle incoming request %v", raw.URL)
	req, err := g.newRequestFromRaw(raw)
	if err != nil {
		w.Write(NewResponseError(0, err))
		return
	}
	// Full command is looked up first, then only up to the first "/"
	// e.g. 'info/version' exists and is handled straight away
	route, ok := g.routes[req.command]
	if !ok {
		firstCommand, _, _ := strings.Cut(req.command, "/")
		route, ok = g.routes[firstCommand]
		if !ok {
			g.logger.Debugf("no handler found for %v", req.command)
			w.Write(NewResponseError(int(req.sequence), ErrGwRequestNotSupported))
			return
		}
	}
	dw := &doneWriter{ResponseWriter: w, done: false}
	err = route(dw, req)
	if err != nil {
		g.logger.Warnf("command %v failed : %v", req.command, err)
		w.Write(NewResponseError(int(req.sequence), err))
		return
	}
	if !dw.done {
		// No response specific command has been given, reply with default success
		dw.Write(NewResponseSuccess(int(req.sequence)))
	}
}

func writeJSON(w *doneWriter, response any) error {
	respRaw, err := json.Marshal(response)
	if err != nil {
		return ErrGwRequestNotProcessed
	}
	w.Write(respRaw)
	return nil
}

// Create a handler for a drive command without parameters
func createCommandHandler(bg *gateway.BaseGateway, command string) GatewayRequestHandler {
	return func(w *doneWriter, req *GatewayRequest) error {
		return bg.Command(command)
	}
}

func (g *GatewayServer) handleConnect(w *doneWriter, req *GatewayRequest) error {
	var connect ConnectRequest
	if len(req.parameters) > 0 {
		if err := json.Unmarshal(req.parameters, &connect); err != nil {
			return ErrGwSyntaxError
		}
	}
	return g.Connect(connect.Adapter)
}

func (g *GatewayServer) handleDisconnect(w *doneWriter, req *GatewayRequest) error {
	return g.Disconnect()
}

func (g *GatewayServer) handleStatus(w *doneWriter, req *GatewayRequest) error {
	return writeJSON(w, StatusResponse{
		GatewayResponseBase: NewResponseBase(int(req.sequence), "OK"),
		Snapshot:            g.Snapshot(),
	})
}

func (g *GatewayServer) handleMode(w *doneWriter, req *GatewayRequest) error {
	mode, err := parseModeParam(req.parameters)
	if err != nil {
		return err
	}
	return g.SetOperationMode(cia402.OperationMode(mode))
}

func (g *GatewayServer) handlePosition(w *doneWriter, req *GatewayRequest) error {
	position, err := parseInt32Param(req.parameters)
	if err != nil {
		return err
	}
	return g.SetTargetPosition(position)
}

func (g *GatewayServer) handleMove(w *doneWriter, req *GatewayRequest) error {
	position, err := parseInt32Param(req.parameters)
	if err != nil {
		return err
	}
	return g.MoveTo(position)
}

func (g *GatewayServer) handleVelocity(w *doneWriter, req *GatewayRequest) error {
	velocity, err := parseInt32Param(req.parameters)
	if err != nil {
		return err
	}
	return g.RunAtVelocity(velocity)
}

func (g *GatewayServer) handleGetVersion(w *doneWriter, req *GatewayRequest) error {
	version, err := g.GetVersion()
	if err != nil {
		return ErrGwRequestNotProcessed
	}
	return writeJSON(w, VersionInfo{
		GatewayResponseBase: NewResponseBase(int(req.sequence), "OK"),
		GatewayVersion:      &version,
	})
}

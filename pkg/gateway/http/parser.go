package http

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
)

// Parse an int32 value from a {"value":"x"} body.
// This automatically treats 0x,0X,... correctly
func parseInt32Param(parameters json.RawMessage) (int32, error) {
	var request ValueRequest
	if err := json.Unmarshal(parameters, &request); err != nil {
		return 0, ErrGwSyntaxError
	}
	value, err := strconv.ParseInt(request.Value, 0, 64)
	if err != nil || value > math.MaxInt32 || value < math.MinInt32 {
		return 0, ErrGwSyntaxError
	}
	return int32(value), nil
}

// Parse an operation mode, either as a code or a short name
func parseModeParam(parameters json.RawMessage) (int8, error) {
	var request ValueRequest
	if err := json.Unmarshal(parameters, &request); err != nil {
		return 0, ErrGwSyntaxError
	}
	if mode, ok := MODE_MAP[strings.ToLower(request.Value)]; ok {
		return mode, nil
	}
	mode, err := strconv.ParseInt(request.Value, 0, 8)
	if err != nil {
		return 0, ErrGwSyntaxError
	}
	return int8(mode), nil
}

// Create a new sanitized api request object from raw http request
// This function also checks that values are within bounds etc.
func (g *GatewayServer) newRequestFromRaw(r *http.Request) (*GatewayRequest, error) {
	match := regURI.FindStringSubmatch(r.URL.Path)
	if len(match) != 4 {
		g.logger.Error("request does not match a known API pattern")
		return nil, ErrGwSyntaxError
	}
	apiVersion := match[1]
	if apiVersion != API_VERSION {
		g.logger.Errorf("api version %v is not supported", apiVersion)
		return nil, ErrGwRequestNotSupported
	}
	sequence, err := strconv.Atoi(match[2])
	if err != nil || sequence > MAX_SEQUENCE_NB {
		g.logger.Errorf("error processing sequence number %v", match[2])
		return nil, ErrGwSyntaxError
	}
	var parameters json.RawMessage
	err = json.NewDecoder(r.Body).Decode(&parameters)
	if err != nil && err != io.EOF {
		g.logger.Warnf("failed to unmarshal request body : %v", err)
		return nil, ErrGwSyntaxError
	}
	return &GatewayRequest{
		command:    strings.TrimSuffix(match[3], "/"),
		sequence:   uint32(sequence),
		parameters: parameters,
	}, nil
}

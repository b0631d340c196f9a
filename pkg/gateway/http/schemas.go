package http

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/samsamfire/goservo/pkg/gateway"
	"github.com/samsamfire/goservo/pkg/session"
)

type GatewayResponse interface {
	GetError() error
	GetSequenceNb() int
}

// HTTP response base
type GatewayResponseBase struct {
	// Sequence number corresponding to a request
	Sequence string `json:"sequence"`
	// Response, can be "OK" or "ERROR:x"
	Response string `json:"response"`
}

func NewResponseBase(sequence int, response string) *GatewayResponseBase {
	return &GatewayResponseBase{
		Sequence: strconv.Itoa(sequence),
		Response: response,
	}
}

func NewResponseError(sequence int, err error) []byte {
	jData, _ := json.Marshal(map[string]string{"sequence": strconv.Itoa(sequence), "response": toGatewayError(err).Error()})
	return jData
}

func NewResponseSuccess(sequence int) []byte {
	jData, _ := json.Marshal(map[string]string{"sequence": strconv.Itoa(sequence), "response": "OK"})
	return jData
}

// Extract error if any inside of reponse
func (resp *GatewayResponseBase) GetError() error {
	if !strings.HasPrefix(resp.Response, "ERROR:") {
		return nil
	}
	responseSplitted := strings.Split(resp.Response, ":")
	if len(responseSplitted) != 2 {
		return fmt.Errorf("error decoding error field ('ERROR:' : %v)", resp.Response)
	}
	errorCode, err := strconv.ParseUint(responseSplitted[1], 0, 64)
	if err != nil {
		return fmt.Errorf("error decoding error field ('ERROR:' : %v)", err)
	}
	return NewGatewayError(int(errorCode))
}

func (resp *GatewayResponseBase) GetSequenceNb() int {
	sequence, _ := strconv.Atoi(resp.Sequence)
	return sequence
}

// HTTP request to the server
type GatewayRequest struct {
	command    string // command can be composed of different parts
	sequence   uint32 // sequence number
	parameters json.RawMessage
}

type ConnectRequest struct {
	Adapter string `json:"adapter"`
}

// Generic request with a single value e.g. {"value":"1000"}
type ValueRequest struct {
	Value string `json:"value"`
}

type StatusResponse struct {
	*GatewayResponseBase
	session.Snapshot
}

type VersionInfo struct {
	*GatewayResponseBase
	*gateway.GatewayVersion
}

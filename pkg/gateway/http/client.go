package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/samsamfire/goservo/pkg/gateway"
	log "github.com/sirupsen/logrus"
)

type GatewayClient struct {
	http.Client
	logger            log.FieldLogger
	baseURL           string
	apiVersion        string
	currentSequenceNb int
}

func NewGatewayClient(baseURL string, apiVersion string, logger log.FieldLogger) *GatewayClient {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &GatewayClient{
		logger:     logger.WithField("service", "[HTTP client]"),
		Client:     http.Client{},
		baseURL:    baseURL,
		apiVersion: apiVersion,
	}
}

// HTTP request to gateway endpoint
// Does error checking : http related errors, json decode errors
// or actual gateway errors
func (client *GatewayClient) Do(method string, uri string, body io.Reader, response GatewayResponse) error {
	client.currentSequenceNb += 1
	baseUri := client.baseURL + fmt.Sprintf("/servo/%s/%d", client.apiVersion, client.currentSequenceNb)
	req, err := http.NewRequest(method, baseUri+uri, body)
	if err != nil {
		client.logger.Errorf("failed to create request : %v", err)
		return err
	}
	httpResp, err := client.Client.Do(req)
	if err != nil {
		client.logger.Errorf("failed request : %v", err)
		return err
	}
	defer httpResp.Body.Close()
	err = json.NewDecoder(httpResp.Body).Decode(response)
	if err != nil {
		client.logger.Errorf("failed to decode response : %v", err)
		return err
	}
	err = response.GetError()
	if err != nil {
		return err
	}
	sequence := response.GetSequenceNb()
	if client.currentSequenceNb != sequence {
		client.logger.Errorf("wrong sequence number %v, expected %v", sequence, client.currentSequenceNb)
		return fmt.Errorf("error in sequence number")
	}
	return nil
}

func (client *GatewayClient) doWithValue(uri string, request any) error {
	raw, err := json.Marshal(request)
	if err != nil {
		return err
	}
	return client.Do(http.MethodPut, uri, bytes.NewBuffer(raw), new(GatewayResponseBase))
}

// Connect the remote session, empty adapter uses the server default
func (client *GatewayClient) Connect(adapter string) error {
	return client.doWithValue("/connect", ConnectRequest{Adapter: adapter})
}

func (client *GatewayClient) Disconnect() error {
	return client.Do(http.MethodPut, "/disconnect", nil, new(GatewayResponseBase))
}

// Run a drive command without parameters e.g. "enable"
func (client *GatewayClient) Command(command string) error {
	return client.Do(http.MethodPut, "/"+command, nil, new(GatewayResponseBase))
}

// Set operation mode, "pp", "pv" or a mode code
func (client *GatewayClient) SetMode(mode string) error {
	return client.doWithValue("/mode", ValueRequest{Value: mode})
}

func (client *GatewayClient) MoveTo(position int32) error {
	return client.doWithValue("/move", ValueRequest{Value: strconv.Itoa(int(position))})
}

func (client *GatewayClient) SetTargetPosition(position int32) error {
	return client.doWithValue("/position", ValueRequest{Value: strconv.Itoa(int(position))})
}

func (client *GatewayClient) RunAtVelocity(velocity int32) error {
	return client.doWithValue("/velocity", ValueRequest{Value: strconv.Itoa(int(velocity))})
}

func (client *GatewayClient) Status() (*StatusResponse, error) {
	resp := &StatusResponse{GatewayResponseBase: &GatewayResponseBase{}}
	err := client.Do(http.MethodGet, "/status", nil, resp)
	return resp, err
}

func (client *GatewayClient) GetVersion() (gateway.GatewayVersion, error) {
	resp := &VersionInfo{GatewayResponseBase: &GatewayResponseBase{}, GatewayVersion: &gateway.GatewayVersion{}}
	err := client.Do(http.MethodGet, "/info/version", nil, resp)
	if err != nil {
		return gateway.GatewayVersion{}, err
	}
	return *resp.GatewayVersion, nil
}

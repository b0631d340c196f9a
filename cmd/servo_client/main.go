package main

// Drive a remote gateway e.g. servo_client -cmd enable

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/samsamfire/goservo/pkg/gateway/http"
	log "github.com/sirupsen/logrus"
)

var DEFAULT_URL = "http://localhost:8090"

func main() {
	log.SetLevel(log.WarnLevel)
	url := flag.String("u", DEFAULT_URL, "gateway base url")
	command := flag.String("cmd", "status", "connect, disconnect, status, move, velocity, mode or a drive command")
	value := flag.String("value", "", "command parameter e.g. adapter, position or mode")
	flag.Parse()

	client := http.NewGatewayClient(*url, http.API_VERSION, nil)
	var err error
	switch *command {
	case "connect":
		err = client.Connect(*value)
	case "disconnect":
		err = client.Disconnect()
	case "mode":
		err = client.SetMode(*value)
	case "move", "velocity":
		var target int
		if _, err = fmt.Sscan(*value, &target); err != nil {
			break
		}
		if *command == "move" {
			err = client.MoveTo(int32(target))
		} else {
			err = client.RunAtVelocity(int32(target))
		}
	case "status":
		var status *http.StatusResponse
		status, err = client.Status()
		if err == nil {
			out, _ := json.MarshalIndent(status.Snapshot, "", "  ")
			fmt.Println(string(out))
		}
	default:
		err = client.Command(*command)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

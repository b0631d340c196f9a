package main

import (
	"flag"
	"fmt"

	_ "github.com/samsamfire/goservo/pkg/can/socketcan"
	_ "github.com/samsamfire/goservo/pkg/can/virtual"
	"github.com/samsamfire/goservo/pkg/config"
	"github.com/samsamfire/goservo/pkg/gateway/http"
	_ "github.com/samsamfire/goservo/pkg/master/canopen"
	_ "github.com/samsamfire/goservo/pkg/master/virtual"
	"github.com/samsamfire/goservo/pkg/session"
	log "github.com/sirupsen/logrus"
)

var DEFAULT_HTTP_PORT = 8090

func main() {
	log.SetLevel(log.DebugLevel)
	// Command line arguments
	configPath := flag.String("c", "", "ini settings file path")
	port := flag.Int("port", DEFAULT_HTTP_PORT, "http port")
	flag.Parse()

	settings := config.DefaultSettings()
	if *configPath != "" {
		var err error
		settings, err = config.LoadSettings(*configPath)
		if err != nil {
			panic(err)
		}
	}
	s := session.New(settings, nil)
	defer s.Disconnect()
	gateway := http.NewGatewayServer(s, nil)
	if err := gateway.ListenAndServe(fmt.Sprintf(":%d", *port)); err != nil {
		log.Error(err)
	}
}

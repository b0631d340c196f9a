package main

// Connect to a drive, enable it and run a single motion

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	_ "github.com/samsamfire/goservo/pkg/can/socketcan"
	_ "github.com/samsamfire/goservo/pkg/can/virtual"
	"github.com/samsamfire/goservo/pkg/cia402"
	"github.com/samsamfire/goservo/pkg/config"
	_ "github.com/samsamfire/goservo/pkg/master/canopen"
	_ "github.com/samsamfire/goservo/pkg/master/virtual"
	"github.com/samsamfire/goservo/pkg/session"
	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetLevel(log.InfoLevel)
	// Command line arguments
	configPath := flag.String("c", "", "ini settings file path")
	driver := flag.String("d", "", "master driver e.g. virtual, canopen")
	adapter := flag.String("i", "", "network adapter e.g. eth0 or socketcan:can0 for canopen, defaults to settings")
	position := flag.Int("p", 0, "absolute target position")
	velocity := flag.Int("v", 0, "target velocity, takes precedence over position")
	hold := flag.Duration("t", 2*time.Second, "time to hold the motion before disconnecting")
	debug := flag.Bool("debug", false, "enable debug logs")
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}
	settings := config.DefaultSettings()
	if *configPath != "" {
		var err error
		settings, err = config.LoadSettings(*configPath)
		if err != nil {
			log.Fatalf("failed to load settings : %v", err)
		}
	}
	if *driver != "" {
		settings.Driver = *driver
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s := session.New(settings, nil)
	if err := s.Connect(ctx, *adapter); err != nil {
		log.Fatalf("failed to connect : %v", err)
	}
	defer s.Disconnect()

	if err := run(ctx, s, int32(*position), int32(*velocity), *hold); err != nil {
		log.Errorf("motion failed : %v", err)
	}
	snapshot := s.Snapshot()
	fmt.Printf("%v | cycles : %v, misses : %v\n", snapshot.Telemetry, snapshot.Cycles, snapshot.Misses)
}

func run(ctx context.Context, s *session.Session, position int32, velocity int32, hold time.Duration) error {
	if err := s.ResetFault(); err != nil {
		return err
	}
	if err := s.EnableSequence(); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.WaitState(waitCtx, cia402.StateOperationEnabled); err != nil {
		return fmt.Errorf("drive not enabled : %w", err)
	}
	var err error
	if velocity != 0 {
		err = s.RunAtVelocity(velocity)
	} else {
		err = s.MoveTo(position)
	}
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-time.After(hold):
	}
	if err := s.QuickStop(); err != nil {
		return err
	}
	// Keep exchanging until the drive has stopped, ctx may already be done
	stopCtx, cancelStop := context.WithTimeout(context.Background(), time.Second)
	defer cancelStop()
	return s.WaitState(stopCtx, cia402.StateSwitchOnDisabled)
}

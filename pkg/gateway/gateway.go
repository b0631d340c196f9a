package gateway

import (
	"context"
	"fmt"
	"sort"

	"github.com/samsamfire/goservo/pkg/cia402"
	"github.com/samsamfire/goservo/pkg/master"
	"github.com/samsamfire/goservo/pkg/session"
	log "github.com/sirupsen/logrus"
)

// BaseGateway exposes a [session.Session] to remote clients.
// Each gateway maps its own parsing logic to this base gateway
type BaseGateway struct {
	logger   log.FieldLogger
	session  *session.Session
	commands map[string]func() error
}

func NewBaseGateway(s *session.Session, logger log.FieldLogger) *BaseGateway {
	if logger == nil {
		logger = log.StandardLogger()
	}
	gw := &BaseGateway{
		logger:  logger.WithField("service", "[GATEWAY]"),
		session: s,
	}
	gw.commands = map[string]func() error{
		"reset":           s.ResetFault,
		"enable":          s.EnableSequence,
		"shutdown":        s.Shutdown,
		"switch-on":       s.SwitchOn,
		"enable-op":       s.EnableOperation,
		"disable-voltage": s.DisableVoltage,
		"quickstop":       s.QuickStop,
		"halt":            s.Halt,
		"trigger":         s.TriggerPositionMove,
		"trigger-rel":     s.TriggerRelativeMove,
	}
	return gw
}

type GatewayVersion struct {
	Product         string
	ProtocolVersion string
	Driver          string
	Drivers         []string
}

func (gw *BaseGateway) GetVersion() (GatewayVersion, error) {
	return GatewayVersion{
		Product:         "goservo",
		ProtocolVersion: "01.00",
		Driver:          gw.session.Settings().Driver,
		Drivers:         master.Drivers(),
	}, nil
}

// Connect the underlying session, empty adapter uses default one.
// Exchange keeps running after the request until [BaseGateway.Disconnect]
func (gw *BaseGateway) Connect(adapter string) error {
	gw.logger.Infof("connecting on %q", adapter)
	return gw.session.Connect(context.Background(), adapter)
}

func (gw *BaseGateway) Disconnect() error {
	return gw.session.Disconnect()
}

func (gw *BaseGateway) Snapshot() session.Snapshot {
	return gw.session.Snapshot()
}

// Names of the supported single drive commands
func (gw *BaseGateway) Commands() []string {
	names := make([]string, 0, len(gw.commands))
	for name := range gw.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run a drive command by name
func (gw *BaseGateway) Command(name string) error {
	command, ok := gw.commands[name]
	if !ok {
		return fmt.Errorf("unknown command %v", name)
	}
	gw.logger.Debugf("running command %v", name)
	return command()
}

func (gw *BaseGateway) SetOperationMode(mode cia402.OperationMode) error {
	return gw.session.SetOperationMode(mode)
}

func (gw *BaseGateway) SetTargetPosition(position int32) error {
	return gw.session.SetTargetPosition(position)
}

func (gw *BaseGateway) MoveTo(position int32) error {
	return gw.session.MoveTo(position)
}

func (gw *BaseGateway) RunAtVelocity(velocity int32) error {
	return gw.session.RunAtVelocity(velocity)
}

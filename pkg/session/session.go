// Package session ties the master, the process data mapping, the exchange
// engine and the CiA 402 driver together for a single drive.
// A session is connected once, commanded, then disconnected.
package session

import (
	"context"
	"fmt"
	"sync"

	servo "github.com/samsamfire/goservo"
	"github.com/samsamfire/goservo/pkg/cia402"
	"github.com/samsamfire/goservo/pkg/config"
	"github.com/samsamfire/goservo/pkg/exchange"
	"github.com/samsamfire/goservo/pkg/master"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

var stateDescription = map[State]string{
	Disconnected:  "DISCONNECTED",
	Connecting:    "CONNECTING",
	Connected:     "CONNECTED",
	Disconnecting: "DISCONNECTING",
}

func (s State) String() string {
	desc, ok := stateDescription[s]
	if !ok {
		return "UNKNOWN"
	}
	return desc
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for state, desc := range stateDescription {
		if desc == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Snapshot is what a presentation layer polls
type Snapshot struct {
	State      State            `json:"state"`
	Running    bool             `json:"running"`
	SlaveCount int              `json:"slave_count"`
	Telemetry  cia402.Telemetry `json:"telemetry"`
	Cycles     uint64           `json:"cycles"`
	Misses     uint64           `json:"misses"`
}

// Everything opened by a connect
type link struct {
	master     master.Master
	slave      master.Slave
	engine     *exchange.Engine
	driver     *cia402.Driver
	slaveCount int
}

type Session struct {
	logger   log.FieldLogger
	settings config.Settings
	mu       sync.Mutex
	state    State
	link     *link
}

// Create a new disconnected [Session]
func New(settings config.Settings, logger log.FieldLogger) *Session {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if settings.Layout == nil {
		settings.Layout = cia402.DefaultLayout()
	}
	defaults := config.DefaultSettings()
	if settings.CyclePeriod <= 0 {
		settings.CyclePeriod = defaults.CyclePeriod
	}
	if settings.ReceiveTimeout <= 0 {
		settings.ReceiveTimeout = defaults.ReceiveTimeout
	}
	if settings.StateTimeout <= 0 {
		settings.StateTimeout = defaults.StateTimeout
	}
	return &Session{
		logger:   logger.WithField("service", "[SESSION]"),
		settings: settings,
		state:    Disconnected,
	}
}

// Connect to the drive on the given adapter, empty adapter uses the
// one from settings. On success the process data is being exchanged
// and the network is operational.
// On failure everything that was opened is released.
// ctx only bounds the connection, the exchange then runs until
// [Session.Disconnect].
func (s *Session) Connect(ctx context.Context, adapter string) error {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return servo.ErrAlreadyConnected
	}
	s.state = Connecting
	s.mu.Unlock()

	if adapter == "" {
		adapter = s.settings.Adapter
	}
	l, err := s.connect(ctx, adapter)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = Disconnected
		s.logger.Errorf("connection on %v failed : %v", adapter, err)
		return err
	}
	s.link = l
	s.state = Connected
	s.logger.Infof("connected on %v, %v slaves", adapter, l.slaveCount)
	return nil
}

func (s *Session) connect(ctx context.Context, adapter string) (l *link, err error) {
	layout := s.settings.Layout
	m, err := master.Open(s.settings.Driver, adapter)
	if err != nil {
		return nil, err
	}
	l = &link{master: m}
	defer func() {
		if err != nil {
			if releaseErr := s.release(l); releaseErr != nil {
				s.logger.Warnf("failed to release after connection failure : %v", releaseErr)
			}
		}
	}()

	l.slaveCount, err = m.DiscoverSlaves()
	if err != nil {
		return l, err
	}
	if l.slaveCount == 0 {
		return l, servo.ErrNoSlavesFound
	}
	s.logger.Infof("%v slaves found", l.slaveCount)

	l.slave, err = m.Slave(s.settings.Slave)
	if err != nil {
		return l, err
	}
	configurator := config.NewMappingConfigurator(l.slave, layout, s.logger)
	l.slave.SetPreOpHook(configurator.Hook())

	if err = m.ConfigureDC(); err != nil {
		return l, err
	}
	if err = m.ConfigureMap(); err != nil {
		return l, err
	}
	if l.slave.OutputSize() < layout.OutputSize() || l.slave.InputSize() < layout.InputSize() {
		return l, fmt.Errorf("%w : slave has %v/%v bytes outputs/inputs, layout needs %v/%v",
			servo.ErrImageSizeMismatch, l.slave.OutputSize(), l.slave.InputSize(), layout.OutputSize(), layout.InputSize())
	}

	report, err := m.RequestState(master.StateSafeOperational, s.settings.StateTimeout)
	if err != nil {
		return l, err
	}
	if report.Actual != master.StateSafeOperational {
		return l, &servo.StateTransitionError{
			Target:       uint8(master.StateSafeOperational),
			Actual:       uint8(report.Actual),
			ALStatusCode: report.ALStatusCode,
			Description:  master.ALStatusDescription(report.ALStatusCode),
		}
	}

	l.engine = exchange.NewEngine(m, l.slave.OutputSize(), l.slave.InputSize(), exchange.Config{
		CyclePeriod:    s.settings.CyclePeriod,
		ReceiveTimeout: s.settings.ReceiveTimeout,
		StateTimeout:   s.settings.StateTimeout,
	}, s.logger)
	l.driver, err = cia402.NewDriver(l.engine, layout, s.settings.Timing, s.logger)
	if err != nil {
		return l, err
	}
	return l, l.engine.Start(ctx)
}

// Stop exchange, go back to init and close the master.
// Every step is run, errors are combined.
func (s *Session) release(l *link) error {
	if l == nil {
		return nil
	}
	if l.engine != nil {
		l.engine.Stop()
	}
	var errs error
	report, err := l.master.RequestState(master.StateInit, s.settings.StateTimeout)
	if err != nil {
		errs = multierr.Append(errs, err)
	} else if report.Actual != master.StateInit {
		errs = multierr.Append(errs, &servo.StateTransitionError{
			Target:       uint8(master.StateInit),
			Actual:       uint8(report.Actual),
			ALStatusCode: report.ALStatusCode,
			Description:  master.ALStatusDescription(report.ALStatusCode),
		})
	}
	return multierr.Append(errs, l.master.Close())
}

// Disconnect from the drive, this does nothing if not connected
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return nil
	}
	s.state = Disconnecting
	l := s.link
	s.link = nil
	s.mu.Unlock()

	err := s.release(l)

	s.mu.Lock()
	s.state = Disconnected
	s.mu.Unlock()
	if err != nil {
		s.logger.Warnf("disconnected with errors : %v", err)
	} else {
		s.logger.Info("disconnected")
	}
	return err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning is true while process data is being exchanged
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link != nil && s.link.engine.IsRunning()
}

// Number of slaves found on last successful connect, 0 if disconnected
func (s *Session) SlaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return 0
	}
	return s.link.slaveCount
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := Snapshot{State: s.state}
	if s.link == nil {
		return snapshot
	}
	snapshot.Running = s.link.engine.IsRunning()
	snapshot.SlaveCount = s.link.slaveCount
	snapshot.Telemetry = s.link.driver.Status()
	snapshot.Cycles, snapshot.Misses = s.link.engine.Stats()
	return snapshot
}

func (s *Session) Settings() config.Settings {
	return s.settings
}

func (s *Session) driver() (*cia402.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.link == nil {
		return nil, servo.ErrNotConnected
	}
	return s.link.driver, nil
}

// Run a driver command, the session lock is not held while the
// command runs
func (s *Session) command(f func(d *cia402.Driver) error) error {
	d, err := s.driver()
	if err != nil {
		return err
	}
	return f(d)
}

func (s *Session) Status() (cia402.Telemetry, error) {
	d, err := s.driver()
	if err != nil {
		return cia402.Telemetry{}, err
	}
	return d.Status(), nil
}

func (s *Session) ControlWord(controlWord uint16) error {
	return s.command(func(d *cia402.Driver) error { return d.ControlWord(controlWord) })
}

func (s *Session) ResetFault() error {
	return s.command((*cia402.Driver).ResetFault)
}

func (s *Session) EnableSequence() error {
	return s.command((*cia402.Driver).EnableSequence)
}

func (s *Session) TriggerPositionMove() error {
	return s.command((*cia402.Driver).TriggerPositionMove)
}

func (s *Session) TriggerRelativeMove() error {
	return s.command((*cia402.Driver).TriggerRelativeMove)
}

func (s *Session) Shutdown() error {
	return s.command((*cia402.Driver).Shutdown)
}

func (s *Session) SwitchOn() error {
	return s.command((*cia402.Driver).SwitchOn)
}

func (s *Session) EnableOperation() error {
	return s.command((*cia402.Driver).EnableOperation)
}

func (s *Session) DisableVoltage() error {
	return s.command((*cia402.Driver).DisableVoltage)
}

func (s *Session) QuickStop() error {
	return s.command((*cia402.Driver).QuickStop)
}

func (s *Session) Halt() error {
	return s.command((*cia402.Driver).Halt)
}

func (s *Session) SetOperationMode(mode cia402.OperationMode) error {
	return s.command(func(d *cia402.Driver) error { return d.SetOperationMode(mode) })
}

func (s *Session) SetTargetPosition(position int32) error {
	return s.command(func(d *cia402.Driver) error { return d.SetTargetPosition(position) })
}

func (s *Session) SetTargetVelocity(velocity int32) error {
	return s.command(func(d *cia402.Driver) error { return d.SetTargetVelocity(velocity) })
}

func (s *Session) MoveTo(position int32) error {
	return s.command(func(d *cia402.Driver) error { return d.MoveTo(position) })
}

func (s *Session) RunAtVelocity(velocity int32) error {
	return s.command(func(d *cia402.Driver) error { return d.RunAtVelocity(velocity) })
}

// Wait until the drive reports the wanted state
func (s *Session) WaitState(ctx context.Context, want cia402.DriveState) error {
	return s.command(func(d *cia402.Driver) error {
		return d.WaitState(ctx, want, s.settings.CyclePeriod)
	})
}

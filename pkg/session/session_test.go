package session

import (
	"context"
	"errors"
	"testing"
	"time"

	servo "github.com/samsamfire/goservo"
	"github.com/samsamfire/goservo/pkg/cia402"
	"github.com/samsamfire/goservo/pkg/config"
	"github.com/samsamfire/goservo/pkg/master"
	"github.com/samsamfire/goservo/pkg/master/virtual"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// Register a virtual master under a unique driver name
func newSessionTest(t *testing.T, options ...virtual.Option) (*Session, *virtual.Master) {
	t.Helper()
	sim := virtual.New("sim0", options...)
	driver := "session-" + t.Name()
	master.RegisterDriver(driver, func(adapter string) (master.Master, error) {
		return sim, nil
	})
	settings := config.DefaultSettings()
	settings.Driver = driver
	settings.CyclePeriod = time.Millisecond
	settings.ReceiveTimeout = time.Millisecond
	settings.StateTimeout = 100 * time.Millisecond
	settings.Timing = cia402.Timing{StateSettle: 10 * time.Millisecond, MoveSettle: 5 * time.Millisecond}
	return New(settings, nil), sim
}

func TestConnectDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	session, sim := newSessionTest(t, virtual.WithSlaves(2))
	assert.Equal(t, Disconnected, session.State())
	require.Nil(t, session.Connect(context.Background(), ""))
	assert.Equal(t, Connected, session.State())
	assert.True(t, session.IsRunning())
	assert.Equal(t, 2, session.SlaveCount())
	assert.True(t, sim.DCConfigured())
	assert.ErrorIs(t, session.Connect(context.Background(), ""), servo.ErrAlreadyConnected)

	snapshot := session.Snapshot()
	assert.Equal(t, Connected, snapshot.State)
	assert.True(t, snapshot.Running)

	require.Nil(t, session.Disconnect())
	assert.Equal(t, Disconnected, session.State())
	assert.False(t, session.IsRunning())
	assert.Equal(t, 0, session.SlaveCount())
	assert.True(t, sim.Closed())
	slave, err := sim.Slave(0)
	require.Nil(t, err)
	assert.Equal(t, master.StateInit, slave.State())
	assert.Nil(t, session.Disconnect())
}

func TestConnectFailures(t *testing.T) {
	t.Run("adapter", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		settings := config.DefaultSettings()
		settings.Driver = "does-not-exist"
		session := New(settings, nil)
		err := session.Connect(context.Background(), "eth0")
		var adapterErr *servo.AdapterError
		require.True(t, errors.As(err, &adapterErr))
		assert.Equal(t, "eth0", adapterErr.Adapter)
		assert.ErrorIs(t, err, servo.ErrUnknownDriver)
		assert.Equal(t, Disconnected, session.State())
	})
	t.Run("no slaves", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		session, sim := newSessionTest(t, virtual.WithSlaves(0))
		assert.ErrorIs(t, session.Connect(context.Background(), ""), servo.ErrNoSlavesFound)
		assert.True(t, sim.Closed())
		assert.Equal(t, Disconnected, session.State())
	})
	t.Run("sdo abort", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		session, sim := newSessionTest(t, virtual.WithSDOAbort(0x1600, 3, master.AbortNoMap))
		err := session.Connect(context.Background(), "")
		var sdoErr *servo.SdoConfigurationError
		require.True(t, errors.As(err, &sdoErr))
		assert.EqualValues(t, 0x1600, sdoErr.Index)
		assert.EqualValues(t, 3, sdoErr.Subindex)
		assert.True(t, sim.Closed())
		assert.False(t, session.IsRunning())
	})
	t.Run("safe operational timeout", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		session, sim := newSessionTest(t, virtual.WithMaxState(master.StatePreOperational, master.ALStatusInvalidSyncManagerConfig))
		err := session.Connect(context.Background(), "")
		var transitionErr *servo.StateTransitionError
		require.True(t, errors.As(err, &transitionErr))
		assert.EqualValues(t, master.StateSafeOperational, transitionErr.Target)
		assert.Equal(t, master.ALStatusInvalidSyncManagerConfig, transitionErr.ALStatusCode)
		assert.True(t, sim.Closed())
	})
	t.Run("operational timeout", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		session, sim := newSessionTest(t, virtual.WithMaxState(master.StateSafeOperational, master.ALStatusSyncManagerWatchdog))
		err := session.Connect(context.Background(), "")
		var transitionErr *servo.StateTransitionError
		require.True(t, errors.As(err, &transitionErr))
		assert.EqualValues(t, master.StateOperational, transitionErr.Target)
		assert.False(t, session.IsRunning())
		assert.Equal(t, Disconnected, session.State())
		assert.True(t, sim.Closed())
	})
}

// Slaves ignore the configuration hook and keep their power up mapping
type noHookMaster struct {
	*virtual.Master
}

type noHookSlave struct {
	master.Slave
}

func (m noHookMaster) Slave(position int) (master.Slave, error) {
	slave, err := m.Master.Slave(position)
	return noHookSlave{slave}, err
}

func (s noHookSlave) SetPreOpHook(hook master.PreOpHook) {}

func TestConnectImageSizeMismatch(t *testing.T) {
	defer goleak.VerifyNone(t)
	session, sim := newSessionTest(t)
	master.RegisterDriver("session-no-hook", func(adapter string) (master.Master, error) {
		return noHookMaster{sim}, nil
	})
	session.settings.Driver = "session-no-hook"
	err := session.Connect(context.Background(), "")
	assert.ErrorIs(t, err, servo.ErrImageSizeMismatch)
	assert.True(t, sim.Closed())
}

func TestCommandsNotConnected(t *testing.T) {
	session, _ := newSessionTest(t)
	assert.ErrorIs(t, session.EnableSequence(), servo.ErrNotConnected)
	assert.ErrorIs(t, session.ResetFault(), servo.ErrNotConnected)
	assert.ErrorIs(t, session.MoveTo(10), servo.ErrNotConnected)
	assert.ErrorIs(t, session.SetOperationMode(cia402.ModeProfiledVelocity), servo.ErrNotConnected)
	_, err := session.Status()
	assert.ErrorIs(t, err, servo.ErrNotConnected)
	assert.Equal(t, Snapshot{State: Disconnected}, session.Snapshot())
}

func TestDriveCommands(t *testing.T) {
	defer goleak.VerifyNone(t)
	session, sim := newSessionTest(t)
	require.Nil(t, session.Connect(context.Background(), ""))
	defer session.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Nil(t, session.EnableSequence())
	require.Nil(t, session.WaitState(ctx, cia402.StateOperationEnabled))

	require.Nil(t, session.MoveTo(2000))
	assert.Eventually(t, func() bool {
		status, err := session.Status()
		return err == nil && status.ActualPosition == 2000 && status.TargetReached()
	}, time.Second, time.Millisecond)

	require.Nil(t, session.RunAtVelocity(-5000))
	assert.Eventually(t, func() bool {
		status, _ := session.Status()
		return status.ActualVelocity == -5000 && status.ModeDisplay == cia402.ModeProfiledVelocity
	}, time.Second, time.Millisecond)

	require.Nil(t, session.QuickStop())
	slave, err := sim.VirtualSlave(0)
	require.Nil(t, err)
	assert.Eventually(t, func() bool {
		state := cia402.StateUnknown
		slave.WithDrive(func(d *virtual.Drive) { state = d.State() })
		return state == cia402.StateSwitchOnDisabled
	}, time.Second, time.Millisecond)

	slave.WithDrive(func(d *virtual.Drive) { d.Fault() })
	require.Nil(t, session.WaitState(ctx, cia402.StateFault))
	require.Nil(t, session.ResetFault())
	snapshot := session.Snapshot()
	assert.Greater(t, snapshot.Cycles, uint64(0))
	assert.NotEqual(t, cia402.StateFault, snapshot.Telemetry.State)
}

func TestConnectContextCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)
	session, sim := newSessionTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.Nil(t, session.Connect(ctx, ""))
	defer session.Disconnect()

	wait, cancelWait := context.WithTimeout(context.Background(), time.Second)
	defer cancelWait()
	require.Nil(t, session.EnableSequence())
	require.Nil(t, session.WaitState(wait, cia402.StateOperationEnabled))

	// Exchange outlives the connection context
	cancel()
	cycles := session.Snapshot().Cycles
	assert.Eventually(t, func() bool {
		return session.Snapshot().Cycles > cycles+2
	}, time.Second, time.Millisecond)
	assert.True(t, session.IsRunning())

	require.Nil(t, session.QuickStop())
	slave, err := sim.VirtualSlave(0)
	require.Nil(t, err)
	assert.Eventually(t, func() bool {
		state := cia402.StateUnknown
		slave.WithDrive(func(d *virtual.Drive) { state = d.State() })
		return state == cia402.StateSwitchOnDisabled
	}, time.Second, time.Millisecond)

	t.Run("already cancelled", func(t *testing.T) {
		session, sim := newSessionTest(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, session.Connect(ctx, ""), context.Canceled)
		assert.Equal(t, Disconnected, session.State())
		assert.False(t, session.IsRunning())
		assert.True(t, sim.Closed())
	})
}

func TestZeroSettings(t *testing.T) {
	defer goleak.VerifyNone(t)
	sim := virtual.New("sim0")
	driver := "session-" + t.Name()
	master.RegisterDriver(driver, func(adapter string) (master.Master, error) {
		return sim, nil
	})
	session := New(config.Settings{Driver: driver, Adapter: "sim0"}, nil)
	defaults := config.DefaultSettings()
	assert.Equal(t, defaults.CyclePeriod, session.Settings().CyclePeriod)
	assert.Equal(t, defaults.ReceiveTimeout, session.Settings().ReceiveTimeout)
	assert.Equal(t, defaults.StateTimeout, session.Settings().StateTimeout)

	require.Nil(t, session.Connect(context.Background(), ""))
	assert.Eventually(t, func() bool {
		return session.Snapshot().Cycles > 0
	}, time.Second, time.Millisecond)
	require.Nil(t, session.Disconnect())
}

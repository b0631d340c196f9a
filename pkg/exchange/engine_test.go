package exchange

import (
	"context"
	"encoding/binary"
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

var configTest = Config{
	CyclePeriod:    time.Millisecond,
	ReceiveTimeout: time.Millisecond,
	StateTimeout:   200 * time.Millisecond,
}

func safeOperational(t *testing.T, options ...virtual.Option) (*virtual.Master, *virtual.Slave) {
	t.Helper()
	m := virtual.New("test", options...)
	_, err := m.DiscoverSlaves()
	require.Nil(t, err)
	slave, err := m.VirtualSlave(0)
	require.Nil(t, err)
	slave.SetPreOpHook(config.NewMappingConfigurator(slave, cia402.DefaultLayout(), nil).Hook())
	require.Nil(t, m.ConfigureMap())
	report, err := m.RequestState(master.StateSafeOperational, time.Second)
	require.Nil(t, err)
	require.Equal(t, master.StateSafeOperational, report.Actual)
	return m, slave
}

func TestEngineStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, slave := safeOperational(t)
	engine := NewEngine(m, 11, 11, configTest, nil)
	assert.False(t, engine.IsRunning())
	require.Nil(t, engine.Start(context.Background()))
	assert.True(t, engine.IsRunning())
	assert.Equal(t, master.StateOperational, slave.State())
	assert.ErrorIs(t, engine.Start(context.Background()), servo.ErrAlreadyRunning)

	engine.Stop()
	assert.False(t, engine.IsRunning())
	engine.Stop()
	assert.Equal(t, Stopped, engine.State())
	cycles, _ := engine.Stats()
	assert.Greater(t, cycles, uint64(0))
}

func TestEngineStartTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, _ := safeOperational(t, virtual.WithMaxState(master.StateSafeOperational, master.ALStatusSyncManagerWatchdog))
	engine := NewEngine(m, 11, 11, configTest, nil)
	err := engine.Start(context.Background())
	var transitionErr *servo.StateTransitionError
	require.True(t, errors.As(err, &transitionErr))
	assert.EqualValues(t, master.StateOperational, transitionErr.Target)
	assert.EqualValues(t, master.StateSafeOperational|master.StateErrorFlag, transitionErr.Actual)
	assert.Equal(t, master.ALStatusSyncManagerWatchdog, transitionErr.ALStatusCode)
	assert.Equal(t, "Sync manager watchdog", transitionErr.Description)
	assert.False(t, engine.IsRunning())
}

func TestEngineExchange(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, slave := safeOperational(t)
	engine := NewEngine(m, 11, 11, configTest, nil)
	require.Nil(t, engine.Start(context.Background()))
	defer engine.Stop()

	require.Nil(t, engine.WriteOutput(0, []byte{0x06, 0x00}))
	assert.Equal(t, []byte{0x06, 0x00}, engine.ReadOutput(0, 2))
	assert.Eventually(t, func() bool {
		state := cia402.StateNotReady
		slave.WithDrive(func(d *virtual.Drive) { state = d.State() })
		return state == cia402.StateReadyToSwitchOn
	}, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		return cia402.DecodeStatus(binary.LittleEndian.Uint16(engine.ReadInput(0, 2))) == cia402.StateReadyToSwitchOn
	}, time.Second, time.Millisecond)
}

func TestEngineMisses(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, _ := safeOperational(t, virtual.WithDropEvery(3))
	engine := NewEngine(m, 11, 11, configTest, nil)
	require.Nil(t, engine.Start(context.Background()))
	assert.Eventually(t, func() bool {
		_, misses := engine.Stats()
		return misses >= 2
	}, time.Second, time.Millisecond)
	engine.Stop()
	cycles, misses := engine.Stats()
	assert.Greater(t, cycles, misses)
}

func TestEngineContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Run("after start", func(t *testing.T) {
		m, _ := safeOperational(t)
		engine := NewEngine(m, 11, 11, configTest, nil)
		ctx, cancel := context.WithCancel(context.Background())
		require.Nil(t, engine.Start(ctx))
		cancel()
		cycles, _ := engine.Stats()
		assert.Eventually(t, func() bool {
			after, _ := engine.Stats()
			return after > cycles+2
		}, time.Second, time.Millisecond)
		assert.True(t, engine.IsRunning())
		engine.Stop()
		assert.False(t, engine.IsRunning())
	})
	t.Run("before start", func(t *testing.T) {
		m, _ := safeOperational(t)
		engine := NewEngine(m, 11, 11, configTest, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, engine.Start(ctx), context.Canceled)
		assert.False(t, engine.IsRunning())
		cycles, _ := engine.Stats()
		assert.EqualValues(t, 0, cycles)
	})
}

func TestEngineZeroConfig(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, _ := safeOperational(t)
	engine := NewEngine(m, 11, 11, Config{}, nil)
	assert.Equal(t, DefaultConfig(), engine.config)
	require.Nil(t, engine.Start(context.Background()))
	assert.Eventually(t, func() bool {
		cycles, _ := engine.Stats()
		return cycles > 0
	}, time.Second, time.Millisecond)
	engine.Stop()
}

func TestEngineBuffers(t *testing.T) {
	engine := NewEngine(virtual.New("test"), 11, 11, configTest, nil)
	t.Run("write out of range", func(t *testing.T) {
		assert.ErrorIs(t, engine.WriteOutput(11, []byte{1, 2}), servo.ErrOutOfRange)
		assert.ErrorIs(t, engine.WriteOutput(-1, []byte{1}), servo.ErrOutOfRange)
		assert.Equal(t, make([]byte, 12), engine.ReadOutput(0, 12))
	})
	t.Run("write sub-range", func(t *testing.T) {
		require.Nil(t, engine.WriteOutput(2, []byte{1, 2, 3, 4}))
		require.Nil(t, engine.WriteOutput(0, []byte{0x0F, 0}))
		assert.Equal(t, []byte{0x0F, 0, 1, 2, 3, 4, 0}, engine.ReadOutput(0, 7))
	})
	t.Run("read zero filled", func(t *testing.T) {
		assert.Equal(t, []byte{0, 0, 0, 0}, engine.ReadInput(9, 4))
		assert.Equal(t, []byte{0, 0}, engine.ReadOutput(-2, 2))
		assert.Len(t, engine.ReadInput(0, 11), 11)
	})
}

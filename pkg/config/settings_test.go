package config

import (
	"testing"
	"time"

	servo "github.com/samsamfire/goservo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsDefaults(t *testing.T) {
	settings, err := LoadSettings([]byte(""))
	require.Nil(t, err)
	assert.Equal(t, DefaultSettings().Driver, settings.Driver)
	assert.Equal(t, DefaultCyclePeriod, settings.CyclePeriod)
	assert.Equal(t, 11, settings.Layout.OutputSize())
	assert.Equal(t, 11, settings.Layout.InputSize())
}

func TestLoadSettings(t *testing.T) {
	file := []byte(`
[session]
driver = sim
adapter = enp3s0
slave = 1

[timing]
cycle_period = 4ms
receive_timeout = 1ms
state_timeout = 2s
state_settle = 50ms
`)
	settings, err := LoadSettings(file)
	require.Nil(t, err)
	assert.Equal(t, "sim", settings.Driver)
	assert.Equal(t, "enp3s0", settings.Adapter)
	assert.Equal(t, 1, settings.Slave)
	assert.Equal(t, 4*time.Millisecond, settings.CyclePeriod)
	assert.Equal(t, time.Millisecond, settings.ReceiveTimeout)
	assert.Equal(t, 2*time.Second, settings.StateTimeout)
	assert.Equal(t, 50*time.Millisecond, settings.Timing.StateSettle)
	assert.Equal(t, DefaultSettings().Timing.MoveSettle, settings.Timing.MoveSettle)
}

func TestLoadSettingsLayout(t *testing.T) {
	t.Run("override", func(t *testing.T) {
		file := []byte(`
[RxPDO]
Mapping1 = 0x60400010
Mapping2 = 0x60FF0020

[TxPDO]
Mapping1 = 0x60410010
Mapping2 = 0x606C0020
`)
		settings, err := LoadSettings(file)
		require.Nil(t, err)
		assert.Equal(t, 6, settings.Layout.OutputSize())
		assert.Equal(t, 6, settings.Layout.InputSize())
		velocity, ok := settings.Layout.Output(0x60FF)
		require.True(t, ok)
		assert.Equal(t, 2, velocity.Offset)
	})
	t.Run("missing direction", func(t *testing.T) {
		_, err := LoadSettings([]byte("[RxPDO]\nMapping1 = 0x60400010\n"))
		assert.ErrorIs(t, err, servo.ErrInvalidLayout)
	})
	t.Run("invalid value", func(t *testing.T) {
		_, err := LoadSettings([]byte("[RxPDO]\nMapping1 = controlword\n[TxPDO]\nMapping1 = 0x60410010\n"))
		assert.ErrorIs(t, err, servo.ErrInvalidLayout)
	})
	t.Run("unaligned", func(t *testing.T) {
		_, err := LoadSettings([]byte("[RxPDO]\nMapping1 = 0x60400004\n[TxPDO]\nMapping1 = 0x60410010\n"))
		assert.ErrorIs(t, err, servo.ErrInvalidLayout)
	})
}

func TestLoadSettingsInvalidTiming(t *testing.T) {
	_, err := LoadSettings([]byte("[timing]\ncycle_period = 0s\n"))
	assert.NotNil(t, err)
}

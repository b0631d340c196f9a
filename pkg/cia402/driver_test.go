package cia402

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	servo "github.com/samsamfire/goservo"
	"github.com/samsamfire/goservo/pkg/pdo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// In memory process image keeping track of control words
type imageTest struct {
	mu           sync.Mutex
	output       []byte
	input        []byte
	controlWords []uint16
}

func newImageTest(layout *pdo.Layout) *imageTest {
	return &imageTest{
		output: make([]byte, layout.OutputSize()),
		input:  make([]byte, layout.InputSize()),
	}
}

func (im *imageTest) WriteOutput(offset int, data []byte) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if offset < 0 || offset+len(data) > len(im.output) {
		return servo.ErrOutOfRange
	}
	copy(im.output[offset:], data)
	if offset == 0 && len(data) == 2 {
		im.controlWords = append(im.controlWords, binary.LittleEndian.Uint16(data))
	}
	return nil
}

func (im *imageTest) ReadOutput(offset int, length int) []byte {
	im.mu.Lock()
	defer im.mu.Unlock()
	raw := make([]byte, length)
	if offset >= 0 && offset+length <= len(im.output) {
		copy(raw, im.output[offset:])
	}
	return raw
}

func (im *imageTest) ReadInput(offset int, length int) []byte {
	im.mu.Lock()
	defer im.mu.Unlock()
	raw := make([]byte, length)
	if offset >= 0 && offset+length <= len(im.input) {
		copy(raw, im.input[offset:])
	}
	return raw
}

func (im *imageTest) history() []uint16 {
	im.mu.Lock()
	defer im.mu.Unlock()
	return append([]uint16(nil), im.controlWords...)
}

func (im *imageTest) setInput(raw []byte) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.input = raw
}

var timingTest = Timing{StateSettle: time.Millisecond, MoveSettle: time.Millisecond}

func createDriverTest(t *testing.T) (*Driver, *imageTest) {
	layout := DefaultLayout()
	image := newImageTest(layout)
	driver, err := NewDriver(image, layout, timingTest, nil)
	require.Nil(t, err)
	return driver, image
}

func TestDriverSequences(t *testing.T) {
	t.Run("enable on a fresh image", func(t *testing.T) {
		driver, image := createDriverTest(t)
		err := driver.EnableSequence()
		assert.Nil(t, err)
		assert.Equal(t, []uint16{0x06, 0x07, 0x0F}, image.history())
		assert.Equal(t, []byte{0x0F, 0x00}, image.ReadOutput(0, 2))
		assert.EqualValues(t, ControlEnableOperation, driver.Commanded())
	})
	t.Run("fault reset", func(t *testing.T) {
		driver, image := createDriverTest(t)
		assert.Nil(t, driver.ResetFault())
		assert.Equal(t, []uint16{0x80, 0x00}, image.history())
	})
	t.Run("absolute move", func(t *testing.T) {
		driver, image := createDriverTest(t)
		assert.Nil(t, driver.TriggerPositionMove())
		assert.Equal(t, []uint16{0x0F, 0x1F, 0x0F}, image.history())
	})
	t.Run("relative move", func(t *testing.T) {
		driver, image := createDriverTest(t)
		assert.Nil(t, driver.TriggerRelativeMove())
		assert.Equal(t, []uint16{0x0F, 0x5F, 0x0F}, image.history())
	})
	t.Run("single commands", func(t *testing.T) {
		driver, image := createDriverTest(t)
		assert.Nil(t, driver.Shutdown())
		assert.Nil(t, driver.SwitchOn())
		assert.Nil(t, driver.EnableOperation())
		assert.Nil(t, driver.Halt())
		assert.Nil(t, driver.QuickStop())
		assert.Nil(t, driver.DisableVoltage())
		assert.Equal(t, []uint16{0x06, 0x07, 0x0F, 0x10F, 0x02, 0x00}, image.history())
	})
	t.Run("concurrent sequences do not interleave", func(t *testing.T) {
		driver, image := createDriverTest(t)
		wg := sync.WaitGroup{}
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = driver.EnableSequence()
		}()
		go func() {
			defer wg.Done()
			_ = driver.ResetFault()
		}()
		wg.Wait()
		history := image.history()
		assert.Len(t, history, 5)
		enable := []uint16{0x06, 0x07, 0x0F}
		reset := []uint16{0x80, 0x00}
		if history[0] == 0x06 {
			assert.Equal(t, append(enable, reset...), history)
		} else {
			assert.Equal(t, append(reset, enable...), history)
		}
	})
}

func TestDriverTargets(t *testing.T) {
	t.Run("operation mode", func(t *testing.T) {
		driver, image := createDriverTest(t)
		assert.Nil(t, driver.SetOperationMode(ModeProfiledVelocity))
		assert.Equal(t, []byte{0x03}, image.ReadOutput(10, 1))
	})
	t.Run("position unaffected by velocity", func(t *testing.T) {
		driver, image := createDriverTest(t)
		assert.Nil(t, driver.SetTargetPosition(-123456))
		assert.Nil(t, driver.SetTargetVelocity(50000))
		position := int32(binary.LittleEndian.Uint32(image.ReadOutput(2, 4)))
		velocity := int32(binary.LittleEndian.Uint32(image.ReadOutput(6, 4)))
		assert.EqualValues(t, -123456, position)
		assert.EqualValues(t, 50000, velocity)
	})
	t.Run("control word kept when writing targets", func(t *testing.T) {
		driver, image := createDriverTest(t)
		assert.Nil(t, driver.EnableOperation())
		assert.Nil(t, driver.SetTargetPosition(100000))
		assert.Nil(t, driver.SetOperationMode(ModeProfiledPosition))
		assert.Equal(t, []byte{0x0F, 0x00}, image.ReadOutput(0, 2))
	})
	t.Run("move to", func(t *testing.T) {
		driver, image := createDriverTest(t)
		assert.Nil(t, driver.MoveTo(100000))
		assert.Equal(t, []byte{0x01}, image.ReadOutput(10, 1))
		assert.EqualValues(t, 100000, binary.LittleEndian.Uint32(image.ReadOutput(2, 4)))
		assert.Equal(t, []uint16{0x0F, 0x1F, 0x0F}, image.history())
	})
	t.Run("run at velocity", func(t *testing.T) {
		driver, image := createDriverTest(t)
		assert.Nil(t, driver.RunAtVelocity(-2000))
		assert.Equal(t, []byte{0x03}, image.ReadOutput(10, 1))
		assert.EqualValues(t, -2000, int32(binary.LittleEndian.Uint32(image.ReadOutput(6, 4))))
	})
}

func TestDriverStatus(t *testing.T) {
	driver, image := createDriverTest(t)
	raw := make([]byte, 11)
	binary.LittleEndian.PutUint16(raw[0:], 0x0437)
	binary.LittleEndian.PutUint32(raw[2:], uint32(0xFFFFFFFF))
	binary.LittleEndian.PutUint32(raw[6:], 1500)
	raw[10] = 0x03
	image.setInput(raw)

	status := driver.Status()
	assert.EqualValues(t, 0x0437, status.StatusWord)
	assert.EqualValues(t, -1, status.ActualPosition)
	assert.EqualValues(t, 1500, status.ActualVelocity)
	assert.Equal(t, ModeProfiledVelocity, status.ModeDisplay)
	assert.True(t, status.TargetReached())
	assert.False(t, status.Warning())
	assert.True(t, status.VoltageEnabled())
	assert.False(t, status.InternalLimitActive())

	t.Run("limit and warning", func(t *testing.T) {
		raw := make([]byte, 11)
		binary.LittleEndian.PutUint16(raw, 0x08A7)
		image.setInput(raw)
		status := driver.Status()
		assert.True(t, status.InternalLimitActive())
		assert.True(t, status.Warning())
		assert.False(t, status.VoltageEnabled())
		assert.False(t, status.TargetReached())
	})

	t.Run("short input reads as zero", func(t *testing.T) {
		image.setInput([]byte{0x37})
		status := driver.Status()
		assert.Equal(t, Telemetry{State: StateNotReady}, status)
	})
}

func TestDriverWaitState(t *testing.T) {
	driver, image := createDriverTest(t)
	t.Run("timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := driver.WaitState(ctx, StateOperationEnabled, time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
	t.Run("reached", func(t *testing.T) {
		go func() {
			time.Sleep(5 * time.Millisecond)
			raw := make([]byte, 11)
			binary.LittleEndian.PutUint16(raw, 0x0037)
			image.setInput(raw)
		}()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.Nil(t, driver.WaitState(ctx, StateOperationEnabled, time.Millisecond))
	})
	t.Run("zero poll period", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, driver.WaitState(ctx, StateFault, 0), context.DeadlineExceeded)
		assert.Nil(t, driver.WaitState(ctx, StateOperationEnabled, -time.Second))
	})
}

func TestNewDriverMissingObjects(t *testing.T) {
	layout, err := pdo.NewLayout([]uint32{0x607A0020}, []uint32{0x60410010})
	require.Nil(t, err)
	_, err = NewDriver(newImageTest(layout), layout, timingTest, nil)
	assert.ErrorIs(t, err, servo.ErrObjectNotMapped)

	layout, err = pdo.NewLayout([]uint32{0x60400010}, []uint32{0x60410010})
	require.Nil(t, err)
	driver, err := NewDriver(newImageTest(layout), layout, timingTest, nil)
	require.Nil(t, err)
	assert.ErrorIs(t, driver.SetTargetVelocity(10), servo.ErrObjectNotMapped)
}

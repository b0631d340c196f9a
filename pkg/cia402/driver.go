package cia402

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	servo "github.com/samsamfire/goservo"
	"github.com/samsamfire/goservo/pkg/pdo"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultStateSettle = 100 * time.Millisecond
	DefaultMoveSettle  = 10 * time.Millisecond
	defaultPollPeriod  = 10 * time.Millisecond
)

// ProcessImage gives access to the cyclically exchanged buffers.
// Writes only replace the given sub-range.
type ProcessImage interface {
	WriteOutput(offset int, data []byte) error
	ReadOutput(offset int, length int) []byte
	ReadInput(offset int, length int) []byte
}

// Delays between two control word phases of a sequence.
// The drive is expected to react within these delays.
type Timing struct {
	StateSettle time.Duration
	MoveSettle  time.Duration
}

func DefaultTiming() Timing {
	return Timing{StateSettle: DefaultStateSettle, MoveSettle: DefaultMoveSettle}
}

// Driver walks the CiA 402 state machine by writing control words
// and targets into the output process image. It does not keep any
// drive state, the status word is decoded on every read.
type Driver struct {
	logger log.FieldLogger
	image  ProcessImage
	layout *pdo.Layout
	timing Timing
	// serializes multi-step sequences
	seqMu sync.Mutex
}

// Create a new [Driver] for the given image and layout.
// The layout must map at least the control word and the status word.
func NewDriver(image ProcessImage, layout *pdo.Layout, timing Timing, logger log.FieldLogger) (*Driver, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if _, ok := layout.Output(EntryControlWord); !ok {
		return nil, fmt.Errorf("%w : control word x%x", servo.ErrObjectNotMapped, EntryControlWord)
	}
	if _, ok := layout.Input(EntryStatusWord); !ok {
		return nil, fmt.Errorf("%w : status word x%x", servo.ErrObjectNotMapped, EntryStatusWord)
	}
	return &Driver{
		logger: logger.WithField("service", "[CIA402]"),
		image:  image,
		layout: layout,
		timing: timing,
	}, nil
}

func (d *Driver) write(index uint16, value uint64) error {
	entry, ok := d.layout.Output(index)
	if !ok {
		return fmt.Errorf("%w : x%x", servo.ErrObjectNotMapped, index)
	}
	raw := make([]byte, entry.Length())
	switch len(raw) {
	case 1:
		raw[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(raw, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(raw, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(raw, value)
	default:
		return fmt.Errorf("%w : unsupported length %v for x%x", servo.ErrInvalidLayout, len(raw), index)
	}
	return d.image.WriteOutput(entry.Offset, raw)
}

func decode(raw []byte, entry pdo.ObjectMapEntry) uint64 {
	if entry.End() > len(raw) {
		return 0
	}
	field := raw[entry.Offset:entry.End()]
	switch len(field) {
	case 1:
		return uint64(field[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(field))
	case 4:
		return uint64(binary.LittleEndian.Uint32(field))
	case 8:
		return binary.LittleEndian.Uint64(field)
	}
	return 0
}

func (d *Driver) settle(delay time.Duration) {
	if delay > 0 {
		time.Sleep(delay)
	}
}

// Write a raw control word
func (d *Driver) ControlWord(controlWord uint16) error {
	d.logger.Debugf("writing control word x%04x", controlWord)
	return d.write(EntryControlWord, uint64(controlWord))
}

func (d *Driver) sequence(name string, delay time.Duration, controlWords ...uint16) error {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	d.logger.Infof("running %v sequence", name)
	for i, controlWord := range controlWords {
		if i > 0 {
			d.settle(delay)
		}
		if err := d.ControlWord(controlWord); err != nil {
			return err
		}
	}
	return nil
}

// ResetFault acknowledges a drive fault.
// Fault reset is edge triggered so the control word is cleared afterwards.
func (d *Driver) ResetFault() error {
	return d.sequence("fault reset", d.timing.StateSettle, ControlFaultReset, ControlDisableVoltage)
}

// EnableSequence goes through Shutdown, SwitchOn then EnableOperation
func (d *Driver) EnableSequence() error {
	return d.sequence("enable", d.timing.StateSettle, ControlShutdown, ControlSwitchOn, ControlEnableOperation)
}

// TriggerPositionMove starts an absolute move to the current target position.
// The new set-point bit is cleared at the end so that the next move can be triggered.
func (d *Driver) TriggerPositionMove() error {
	return d.sequence("absolute move", d.timing.MoveSettle,
		ControlEnableOperation, ControlStartMoveAbsolute, ControlEnableOperation)
}

// TriggerRelativeMove starts a move relative to the current position
func (d *Driver) TriggerRelativeMove() error {
	return d.sequence("relative move", d.timing.MoveSettle,
		ControlEnableOperation, ControlStartMoveRelative, ControlEnableOperation)
}

func (d *Driver) Shutdown() error {
	return d.ControlWord(ControlShutdown)
}

func (d *Driver) SwitchOn() error {
	return d.ControlWord(ControlSwitchOn)
}

func (d *Driver) EnableOperation() error {
	return d.ControlWord(ControlEnableOperation)
}

func (d *Driver) DisableVoltage() error {
	return d.ControlWord(ControlDisableVoltage)
}

func (d *Driver) QuickStop() error {
	return d.ControlWord(ControlQuickStop)
}

// Halt stops the axis while staying in operation enabled
func (d *Driver) Halt() error {
	return d.ControlWord(ControlEnableOperation | ControlHalt)
}

func (d *Driver) SetOperationMode(mode OperationMode) error {
	d.logger.Infof("setting mode of operation to %v", mode)
	return d.write(EntryModesOfOperation, uint64(uint8(mode)))
}

func (d *Driver) SetTargetPosition(position int32) error {
	return d.write(EntryTargetPosition, uint64(uint32(position)))
}

func (d *Driver) SetTargetVelocity(velocity int32) error {
	return d.write(EntryTargetVelocity, uint64(uint32(velocity)))
}

// MoveTo switches to profiled position mode and moves to the given
// absolute position.
func (d *Driver) MoveTo(position int32) error {
	if err := d.SetOperationMode(ModeProfiledPosition); err != nil {
		return err
	}
	d.settle(d.timing.MoveSettle)
	if err := d.SetTargetPosition(position); err != nil {
		return err
	}
	return d.TriggerPositionMove()
}

// RunAtVelocity switches to profiled velocity mode and sets the target velocity
func (d *Driver) RunAtVelocity(velocity int32) error {
	if err := d.SetOperationMode(ModeProfiledVelocity); err != nil {
		return err
	}
	d.settle(d.timing.MoveSettle)
	return d.SetTargetVelocity(velocity)
}

// Status decodes the latest received input image.
// Objects that are not mapped read as 0.
func (d *Driver) Status() Telemetry {
	raw := d.image.ReadInput(0, d.layout.InputSize())
	t := Telemetry{}
	if entry, ok := d.layout.Input(EntryStatusWord); ok {
		t.StatusWord = uint16(decode(raw, entry))
	}
	if entry, ok := d.layout.Input(EntryPositionActualValue); ok {
		t.ActualPosition = int32(uint32(decode(raw, entry)))
	}
	if entry, ok := d.layout.Input(EntryVelocityActualValue); ok {
		t.ActualVelocity = int32(uint32(decode(raw, entry)))
	}
	if entry, ok := d.layout.Input(EntryModesOfOperationDisplay); ok {
		t.ModeDisplay = OperationMode(int8(uint8(decode(raw, entry))))
	}
	t.State = DecodeStatus(t.StatusWord)
	return t
}

// Commanded returns the last commanded control word
func (d *Driver) Commanded() uint16 {
	entry, _ := d.layout.Output(EntryControlWord)
	raw := d.image.ReadOutput(entry.Offset, entry.Length())
	return binary.LittleEndian.Uint16(raw)
}

// WaitState polls the status word until the drive reaches the wanted
// state or the context is done.
func (d *Driver) WaitState(ctx context.Context, want DriveState, poll time.Duration) error {
	if poll <= 0 {
		poll = defaultPollPeriod
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if d.Status().State == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %v, drive is %v : %w", want, d.Status().State, ctx.Err())
		case <-ticker.C:
		}
	}
}

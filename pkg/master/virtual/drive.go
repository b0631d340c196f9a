package virtual

import (
	"math"
	"time"

	"github.com/samsamfire/goservo/pkg/cia402"
	"github.com/samsamfire/goservo/pkg/pdo"
)

const (
	DefaultProfileVelocity = 100_000 // units/s used by profiled position moves
	DefaultAcceleration    = 500_000 // units/s² used by profiled velocity
	maxStep                = 100 * time.Millisecond
)

// Status words emitted per state, CiA 402 encoding.
// Voltage is applied from switched on.
var statusWords = map[cia402.DriveState]uint16{
	cia402.StateNotReady:            0x0000,
	cia402.StateSwitchOnDisabled:    0x0040,
	cia402.StateReadyToSwitchOn:     0x0021,
	cia402.StateSwitchedOn:          0x0023 | cia402.StatusVoltageEnabled,
	cia402.StateOperationEnabled:    0x0027 | cia402.StatusVoltageEnabled,
	cia402.StateQuickStopActive:     0x0007 | cia402.StatusVoltageEnabled,
	cia402.StateFaultReactionActive: 0x000F | cia402.StatusVoltageEnabled,
	cia402.StateFault:               0x0008,
}

// Drive simulates a CiA 402 servo drive supporting profiled
// position and profiled velocity modes.
// It is not safe for concurrent use, the owning slave serializes access.
type Drive struct {
	state           cia402.DriveState
	controlWord     uint16
	previousControl uint16
	mode            cia402.OperationMode
	modeDisplay     cia402.OperationMode
	targetPosition  int32
	targetVelocity  int32
	targetTorque    int16
	position        float64
	velocity        float64
	setpoint        float64
	moving          bool
	targetReached   bool
	profileVelocity float64
	acceleration    float64
}

func NewDrive() *Drive {
	return &Drive{
		state:           cia402.StateNotReady,
		profileVelocity: DefaultProfileVelocity,
		acceleration:    DefaultAcceleration,
	}
}

// State returns the internal state, not the decoded status word
func (d *Drive) State() cia402.DriveState {
	return d.state
}

func (d *Drive) Position() int32 {
	return int32(math.Round(d.position))
}

func (d *Drive) Velocity() int32 {
	return int32(math.Round(d.velocity))
}

func (d *Drive) ControlWord() uint16 {
	return d.controlWord
}

// Fault forces the drive into fault state, as a following error would
func (d *Drive) Fault() {
	d.state = cia402.StateFault
	d.stop()
}

// Power down, as when the slave goes back to init
func (d *Drive) reset() {
	if d.state != cia402.StateFault {
		d.state = cia402.StateNotReady
	}
	d.controlWord = 0
	d.previousControl = 0
	d.stop()
}

func (d *Drive) stop() {
	d.velocity = 0
	d.moving = false
	d.targetReached = false
}

// Update a mapped output object
func (d *Drive) setObject(index uint16, value uint64) {
	switch index {
	case cia402.EntryControlWord:
		d.controlWord = uint16(value)
	case cia402.EntryModesOfOperation:
		d.mode = cia402.OperationMode(int8(value))
	case cia402.EntryTargetPosition:
		d.targetPosition = int32(value)
	case cia402.EntryTargetVelocity:
		d.targetVelocity = int32(value)
	case cia402.EntryTargetTorque:
		d.targetTorque = int16(value)
	}
}

// Read a mapped input object
func (d *Drive) object(index uint16) uint64 {
	switch index {
	case cia402.EntryStatusWord:
		return uint64(d.statusWord())
	case cia402.EntryModesOfOperationDisplay:
		return uint64(uint8(d.modeDisplay))
	case cia402.EntryPositionActualValue:
		return uint64(uint32(d.Position()))
	case cia402.EntryVelocityActualValue:
		return uint64(uint32(d.Velocity()))
	}
	return 0
}

func (d *Drive) statusWord() uint16 {
	sw := statusWords[d.state]
	if d.state == cia402.StateOperationEnabled {
		if d.targetReached {
			sw |= cia402.StatusTargetReached
		}
		if d.modeDisplay == cia402.ModeProfiledPosition && d.controlWord&cia402.ControlNewSetPoint != 0 {
			sw |= cia402.StatusSetPointAcknowledge
		}
	}
	return sw
}

// Process the control word received this cycle
func (d *Drive) applyControl() {
	cw := d.controlWord
	rising := cw &^ d.previousControl
	d.previousControl = cw

	shutdown := cw&0x87 == 0x06
	switchOn := cw&0x8F == 0x07
	enable := cw&0x8F == 0x0F
	disableVoltage := cw&0x82 == 0x00
	quickStop := cw&0x86 == 0x02

	switch d.state {
	case cia402.StateNotReady:
		d.state = cia402.StateSwitchOnDisabled
	case cia402.StateFault:
		if rising&cia402.ControlFaultReset != 0 {
			d.state = cia402.StateSwitchOnDisabled
		}
	case cia402.StateFaultReactionActive:
		d.state = cia402.StateFault
	case cia402.StateSwitchOnDisabled:
		if shutdown {
			d.state = cia402.StateReadyToSwitchOn
		}
	case cia402.StateReadyToSwitchOn:
		switch {
		case disableVoltage, quickStop:
			d.state = cia402.StateSwitchOnDisabled
		case switchOn:
			d.state = cia402.StateSwitchedOn
		case enable:
			d.state = cia402.StateOperationEnabled
		}
	case cia402.StateSwitchedOn:
		switch {
		case disableVoltage, quickStop:
			d.state = cia402.StateSwitchOnDisabled
		case shutdown:
			d.state = cia402.StateReadyToSwitchOn
		case enable:
			d.state = cia402.StateOperationEnabled
		}
	case cia402.StateOperationEnabled:
		switch {
		case disableVoltage:
			d.state = cia402.StateSwitchOnDisabled
			d.stop()
		case quickStop:
			d.state = cia402.StateQuickStopActive
		case shutdown:
			d.state = cia402.StateReadyToSwitchOn
			d.stop()
		case switchOn:
			d.state = cia402.StateSwitchedOn
			d.stop()
		default:
			d.startMotion(rising)
		}
	case cia402.StateQuickStopActive:
		if disableVoltage {
			d.state = cia402.StateSwitchOnDisabled
			d.stop()
		}
	}
}

func (d *Drive) startMotion(rising uint16) {
	d.modeDisplay = d.mode
	if d.mode != cia402.ModeProfiledPosition || rising&cia402.ControlNewSetPoint == 0 {
		return
	}
	if d.controlWord&cia402.ControlRelative != 0 {
		d.setpoint = d.setpoint + float64(d.targetPosition)
	} else {
		d.setpoint = float64(d.targetPosition)
	}
	d.moving = true
	d.targetReached = false
}

// Advance the simulation by dt
func (d *Drive) step(dt time.Duration) {
	if dt > maxStep {
		dt = maxStep
	}
	seconds := dt.Seconds()
	halted := d.controlWord&cia402.ControlHalt != 0

	switch {
	case d.state == cia402.StateQuickStopActive:
		d.velocity = approach(d.velocity, 0, d.acceleration*seconds)
		if d.velocity == 0 {
			d.state = cia402.StateSwitchOnDisabled
			d.stop()
		}
	case d.state != cia402.StateOperationEnabled:
		d.stop()
	case halted:
		d.velocity = approach(d.velocity, 0, d.acceleration*seconds)
		d.moving = false
	case d.modeDisplay == cia402.ModeProfiledVelocity:
		d.velocity = approach(d.velocity, float64(d.targetVelocity), d.acceleration*seconds)
		d.targetReached = d.velocity == float64(d.targetVelocity)
	case d.modeDisplay == cia402.ModeProfiledPosition && d.moving:
		distance := d.setpoint - d.position
		stepSize := d.profileVelocity * seconds
		if math.Abs(distance) <= stepSize {
			d.position = d.setpoint
			d.velocity = 0
			d.moving = false
			d.targetReached = true
			return
		}
		d.velocity = math.Copysign(d.profileVelocity, distance)
	default:
		d.velocity = 0
	}
	d.position += d.velocity * seconds
	if d.modeDisplay != cia402.ModeProfiledPosition || !d.moving {
		d.setpoint = d.position
	}
}

func approach(current float64, target float64, maxDelta float64) float64 {
	if math.Abs(target-current) <= maxDelta {
		return target
	}
	return current + math.Copysign(maxDelta, target-current)
}

// Mappable objects of the drive, with their size
var mappable = map[uint16]pdo.ObjectMapEntry{
	cia402.EntryControlWord:             {Index: cia402.EntryControlWord, LengthBits: 16, Direction: pdo.Output},
	cia402.EntryTargetPosition:          {Index: cia402.EntryTargetPosition, LengthBits: 32, Direction: pdo.Output},
	cia402.EntryTargetVelocity:          {Index: cia402.EntryTargetVelocity, LengthBits: 32, Direction: pdo.Output},
	cia402.EntryTargetTorque:            {Index: cia402.EntryTargetTorque, LengthBits: 16, Direction: pdo.Output},
	cia402.EntryModesOfOperation:        {Index: cia402.EntryModesOfOperation, LengthBits: 8, Direction: pdo.Output},
	cia402.EntryStatusWord:              {Index: cia402.EntryStatusWord, LengthBits: 16, Direction: pdo.Input},
	cia402.EntryPositionActualValue:     {Index: cia402.EntryPositionActualValue, LengthBits: 32, Direction: pdo.Input},
	cia402.EntryVelocityActualValue:     {Index: cia402.EntryVelocityActualValue, LengthBits: 32, Direction: pdo.Input},
	cia402.EntryModesOfOperationDisplay: {Index: cia402.EntryModesOfOperationDisplay, LengthBits: 8, Direction: pdo.Input},
}

// Package cia402 implements the CiA 402 drive profile : control word
// commands, status word decoding and the device state driver operating
// on a cyclic process image.
package cia402

// Object dictionary entries of the drive profile
const (
	EntryControlWord             uint16 = 0x6040
	EntryStatusWord              uint16 = 0x6041
	EntryModesOfOperation        uint16 = 0x6060
	EntryModesOfOperationDisplay uint16 = 0x6061
	EntryPositionActualValue     uint16 = 0x6064
	EntryVelocityActualValue     uint16 = 0x606C
	EntryTargetTorque            uint16 = 0x6071
	EntryTargetPosition          uint16 = 0x607A
	EntryTargetVelocity          uint16 = 0x60FF
)

// Control word commands
const (
	ControlDisableVoltage    uint16 = 0x00
	ControlQuickStop         uint16 = 0x02
	ControlShutdown          uint16 = 0x06
	ControlSwitchOn          uint16 = 0x07
	ControlDisableOperation  uint16 = 0x07
	ControlEnableOperation   uint16 = 0x0F
	ControlStartMoveAbsolute uint16 = 0x1F // bit 4 : new set-point
	ControlStartMoveRelative uint16 = 0x5F // bit 6 : relative
	ControlFaultReset        uint16 = 0x80
	ControlHalt              uint16 = 0x100
)

// Control word bits used by profiled position mode
const (
	ControlNewSetPoint uint16 = 0x10
	ControlRelative    uint16 = 0x40
)

// Status word bits
const (
	StatusReadyToSwitchOn     uint16 = 0x0001
	StatusSwitchedOn          uint16 = 0x0002
	StatusOperationEnabled    uint16 = 0x0004
	StatusFault               uint16 = 0x0008
	StatusVoltageEnabled      uint16 = 0x0010
	StatusQuickStop           uint16 = 0x0020
	StatusSwitchOnDisabled    uint16 = 0x0040
	StatusWarning             uint16 = 0x0080
	StatusTargetReached       uint16 = 0x0400
	StatusInternalLimitActive uint16 = 0x0800
	StatusSetPointAcknowledge uint16 = 0x1000
)

// Mask used for comparing combined states
const StatusStateMask uint16 = 0x04F7

// Modes of operation
type OperationMode int8

const (
	ModeProfiledPosition OperationMode = 1
	ModeProfiledVelocity OperationMode = 3
)

var modeDescription = map[OperationMode]string{
	ModeProfiledPosition: "PROFILED-POSITION",
	ModeProfiledVelocity: "PROFILED-VELOCITY",
}

func (m OperationMode) String() string {
	desc, ok := modeDescription[m]
	if !ok {
		return "UNKNOWN"
	}
	return desc
}

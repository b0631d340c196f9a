package cia402

import "fmt"

// Telemetry is a decoded copy of the input process image
type Telemetry struct {
	StatusWord     uint16        `json:"status_word"`
	ActualPosition int32         `json:"actual_position"`
	ActualVelocity int32         `json:"actual_velocity"`
	ModeDisplay    OperationMode `json:"mode_display"`
	State          DriveState    `json:"state"`
}

func (t Telemetry) Warning() bool {
	return t.StatusWord&StatusWarning != 0
}

func (t Telemetry) TargetReached() bool {
	return t.StatusWord&StatusTargetReached != 0
}

func (t Telemetry) InternalLimitActive() bool {
	return t.StatusWord&StatusInternalLimitActive != 0
}

func (t Telemetry) VoltageEnabled() bool {
	return t.StatusWord&StatusVoltageEnabled != 0
}

func (t Telemetry) String() string {
	return fmt.Sprintf("state : %v, status word : x%04X, position : %v, velocity : %v, mode : %v",
		t.State, t.StatusWord, t.ActualPosition, t.ActualVelocity, int8(t.ModeDisplay))
}

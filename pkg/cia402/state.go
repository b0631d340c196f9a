package cia402

// Drive states, as seen from the status word
type DriveState uint8

const (
	StateNotReady DriveState = iota
	StateSwitchOnDisabled
	StateReadyToSwitchOn
	StateSwitchedOn
	StateOperationEnabled
	StateQuickStopActive
	StateFaultReactionActive
	StateFault
	StateUnknown
)

var stateDescription = map[DriveState]string{
	StateNotReady:            "Not Ready",
	StateSwitchOnDisabled:    "Switch On Disabled",
	StateReadyToSwitchOn:     "Ready to Switch On",
	StateSwitchedOn:          "Switched On",
	StateOperationEnabled:    "Operation Enabled",
	StateQuickStopActive:     "Quick Stop Active",
	StateFaultReactionActive: "Fault Reaction Active",
	StateFault:               "Fault",
	StateUnknown:             "Unknown State",
}

func (s DriveState) String() string {
	desc, ok := stateDescription[s]
	if !ok {
		return stateDescription[StateUnknown]
	}
	return desc
}

func (s DriveState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Unknown descriptions decode to [StateUnknown]
func (s *DriveState) UnmarshalText(text []byte) error {
	for state, desc := range stateDescription {
		if desc == string(text) {
			*s = state
			return nil
		}
	}
	*s = StateUnknown
	return nil
}

type statusRule struct {
	mask  uint16
	value uint16
	state DriveState
}

// Evaluated in order, first match wins. Fault dominates everything.
var statusRules = []statusRule{
	{StatusFault, StatusFault, StateFault},
	{StatusReadyToSwitchOn, 0, StateNotReady},
	{StatusSwitchOnDisabled, StatusSwitchOnDisabled, StateSwitchOnDisabled},
	{StatusStateMask, 0x0031, StateSwitchedOn},
	{StatusStateMask, 0x0037, StateOperationEnabled},
	{StatusStateMask, 0x0021, StateReadyToSwitchOn},
}

// DecodeStatus returns the drive state corresponding to a status word.
func DecodeStatus(statusWord uint16) DriveState {
	for _, rule := range statusRules {
		if statusWord&rule.mask == rule.value {
			return rule.state
		}
	}
	return StateUnknown
}

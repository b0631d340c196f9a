package master

// AL status codes reported by a slave
const (
	ALStatusNoError                  uint16 = 0x0000
	ALStatusUnspecified              uint16 = 0x0001
	ALStatusNoMemory                 uint16 = 0x0002
	ALStatusInvalidRequestedState    uint16 = 0x0011
	ALStatusUnknownRequestedState    uint16 = 0x0012
	ALStatusBootstrapNotSupported    uint16 = 0x0013
	ALStatusNoValidFirmware          uint16 = 0x0014
	ALStatusInvalidMailboxConfigBoot uint16 = 0x0015
	ALStatusInvalidMailboxConfig     uint16 = 0x0016
	ALStatusInvalidSyncManagerConfig uint16 = 0x0017
	ALStatusNoValidInputs            uint16 = 0x0018
	ALStatusNoValidOutputs           uint16 = 0x0019
	ALStatusSynchronizationError     uint16 = 0x001A
	ALStatusSyncManagerWatchdog      uint16 = 0x001B
	ALStatusInvalidSyncManagerTypes  uint16 = 0x001C
	ALStatusInvalidOutputConfig      uint16 = 0x001D
	ALStatusInvalidInputConfig       uint16 = 0x001E
	ALStatusInvalidWatchdogConfig    uint16 = 0x001F
	ALStatusSlaveNeedsColdStart      uint16 = 0x0020
	ALStatusSlaveNeedsInit           uint16 = 0x0021
	ALStatusSlaveNeedsPreOp          uint16 = 0x0022
	ALStatusSlaveNeedsSafeOp         uint16 = 0x0023
	ALStatusInvalidOutputMapping     uint16 = 0x0024
	ALStatusInvalidInputMapping      uint16 = 0x0025
	ALStatusInconsistentSettings     uint16 = 0x0026
	ALStatusFreeRunNotSupported      uint16 = 0x0027
	ALStatusSyncModeNotSupported     uint16 = 0x0028
	ALStatusFreeRunNeeds3BufferMode  uint16 = 0x0029
	ALStatusBackgroundWatchdog       uint16 = 0x002A
	ALStatusNoValidInputsAndOutputs  uint16 = 0x002B
	ALStatusFatalSyncError           uint16 = 0x002C
	ALStatusNoSyncError              uint16 = 0x002D
	ALStatusInvalidDCSyncConfig      uint16 = 0x0030
	ALStatusInvalidDCLatchConfig     uint16 = 0x0031
	ALStatusPLLError                 uint16 = 0x0032
	ALStatusDCSyncIOError            uint16 = 0x0033
	ALStatusDCSyncTimeoutError       uint16 = 0x0034
	ALStatusMailboxEoE               uint16 = 0x0041
	ALStatusMailboxCoE               uint16 = 0x0042
	ALStatusMailboxFoE               uint16 = 0x0043
	ALStatusMailboxSoE               uint16 = 0x0044
	ALStatusMailboxVoE               uint16 = 0x004F
	ALStatusEEPROMNoAccess           uint16 = 0x0050
	ALStatusEEPROMError              uint16 = 0x0051
	ALStatusSlaveRestartedLocally    uint16 = 0x0060
)

var ALStatusDescriptionMap = map[uint16]string{
	ALStatusNoError:                  "No error",
	ALStatusUnspecified:              "Unspecified error",
	ALStatusNoMemory:                 "No memory",
	ALStatusInvalidRequestedState:    "Invalid requested state change",
	ALStatusUnknownRequestedState:    "Unknown requested state",
	ALStatusBootstrapNotSupported:    "Bootstrap not supported",
	ALStatusNoValidFirmware:          "No valid firmware",
	ALStatusInvalidMailboxConfigBoot: "Invalid mailbox configuration (BOOT)",
	ALStatusInvalidMailboxConfig:     "Invalid mailbox configuration (PREOP)",
	ALStatusInvalidSyncManagerConfig: "Invalid sync manager configuration",
	ALStatusNoValidInputs:            "No valid inputs available",
	ALStatusNoValidOutputs:           "No valid outputs",
	ALStatusSynchronizationError:     "Synchronization error",
	ALStatusSyncManagerWatchdog:      "Sync manager watchdog",
	ALStatusInvalidSyncManagerTypes:  "Invalid sync manager types",
	ALStatusInvalidOutputConfig:      "Invalid output configuration",
	ALStatusInvalidInputConfig:       "Invalid input configuration",
	ALStatusInvalidWatchdogConfig:    "Invalid watchdog configuration",
	ALStatusSlaveNeedsColdStart:      "Slave needs cold start",
	ALStatusSlaveNeedsInit:           "Slave needs INIT",
	ALStatusSlaveNeedsPreOp:          "Slave needs PREOP",
	ALStatusSlaveNeedsSafeOp:         "Slave needs SAFEOP",
	ALStatusInvalidOutputMapping:     "Invalid output mapping",
	ALStatusInvalidInputMapping:      "Invalid input mapping",
	ALStatusInconsistentSettings:     "Inconsistent settings",
	ALStatusFreeRunNotSupported:      "Freerun not supported",
	ALStatusSyncModeNotSupported:     "Synchronization not supported",
	ALStatusFreeRunNeeds3BufferMode:  "Freerun needs 3 buffer mode",
	ALStatusBackgroundWatchdog:       "Background watchdog",
	ALStatusNoValidInputsAndOutputs:  "No valid inputs and outputs",
	ALStatusFatalSyncError:           "Fatal sync error",
	ALStatusNoSyncError:              "No sync error",
	ALStatusInvalidDCSyncConfig:      "Invalid DC SYNC configuration",
	ALStatusInvalidDCLatchConfig:     "Invalid DC latch configuration",
	ALStatusPLLError:                 "PLL error",
	ALStatusDCSyncIOError:            "DC sync IO error",
	ALStatusDCSyncTimeoutError:       "DC sync timeout error",
	ALStatusMailboxEoE:               "MBX_EOE",
	ALStatusMailboxCoE:               "MBX_COE",
	ALStatusMailboxFoE:               "MBX_FOE",
	ALStatusMailboxSoE:               "MBX_SOE",
	ALStatusMailboxVoE:               "MBX_VOE",
	ALStatusEEPROMNoAccess:           "EEPROM no access",
	ALStatusEEPROMError:              "EEPROM error",
	ALStatusSlaveRestartedLocally:    "Slave restarted locally",
}

// ALStatusDescription returns a human readable AL status code
func ALStatusDescription(code uint16) string {
	desc, ok := ALStatusDescriptionMap[code]
	if !ok {
		return "Unknown AL status code"
	}
	return desc
}

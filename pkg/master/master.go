// Package master defines what is expected from the fieldbus master stack.
// The stack itself (frames, adapter I/O, slave discovery, distributed clocks)
// is provided by a driver registered with [RegisterDriver].
package master

import (
	"fmt"
	"sort"
	"sync"
	"time"

	servo "github.com/samsamfire/goservo"
)

// Application layer states
type ALState uint8

const (
	StateNone            ALState = 0x00
	StateInit            ALState = 0x01
	StatePreOperational  ALState = 0x02
	StateBoot            ALState = 0x03
	StateSafeOperational ALState = 0x04
	StateOperational     ALState = 0x08
	StateErrorFlag       ALState = 0x10
)

var stateMap = map[ALState]string{
	StateNone:            "NONE",
	StateInit:            "INIT",
	StatePreOperational:  "PRE-OPERATIONAL",
	StateBoot:            "BOOT",
	StateSafeOperational: "SAFE-OPERATIONAL",
	StateOperational:     "OPERATIONAL",
}

func (s ALState) String() string {
	desc, ok := stateMap[s&^StateErrorFlag]
	if !ok {
		desc = "UNKNOWN"
	}
	if s&StateErrorFlag != 0 {
		desc += "+ERROR"
	}
	return desc
}

// StateReport is what the master observed after a state request
type StateReport struct {
	Actual       ALState
	ALStatusCode uint16
}

// SDOWriter writes to the object dictionary of a device.
// Each write is acknowledged before returning.
type SDOWriter interface {
	SDOWrite(index uint16, subindex uint8, data []byte, completeAccess bool) error
}

// PreOpHook is called by the master while the slave is pre-operational,
// during [Master.ConfigureMap]
type PreOpHook func(position int) error

// Slave is a device discovered on the network
type Slave interface {
	SDOWriter
	Position() int
	Name() string
	// Register a configuration hook, replaces any previous one
	SetPreOpHook(hook PreOpHook)
	// Process data sizes in bytes negotiated during [Master.ConfigureMap]
	OutputSize() int
	InputSize() int
	State() ALState
	ALStatusCode() uint16
}

// Master is an opened fieldbus master
type Master interface {
	// Scan the network, returns number of slaves found
	DiscoverSlaves() (int, error)
	Slave(position int) (Slave, error)
	ConfigureDC() error
	// Build the process data map, this runs the pre-operational hooks
	ConfigureMap() error
	// Request a state for all slaves and wait until it is reached or timeout
	RequestState(target ALState, timeout time.Duration) (StateReport, error)
	// Transmit output and receive input for one cycle.
	// Returns [servo.ErrReceiveTimeout] if nothing was received in time.
	TransmitReceive(output []byte, input []byte, timeout time.Duration) error
	Close() error
}

// OpenFunc opens a master on the given network adapter
type OpenFunc func(adapter string) (Master, error)

var (
	registryMu     sync.RWMutex
	driverRegistry = make(map[string]OpenFunc)
)

// Register a new master driver
// This should be called inside an init() function of the driver
func RegisterDriver(name string, open OpenFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	driverRegistry[name] = open
}

// Drivers returns the registered driver names
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(driverRegistry))
	for name := range driverRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open a master on an adapter with the given driver.
// Any failure is returned as an [servo.AdapterError].
func Open(driver string, adapter string) (Master, error) {
	registryMu.RLock()
	open, ok := driverRegistry[driver]
	registryMu.RUnlock()
	if !ok {
		return nil, &servo.AdapterError{Adapter: adapter, Err: fmt.Errorf("%w : %v", servo.ErrUnknownDriver, driver)}
	}
	m, err := open(adapter)
	if err != nil {
		return nil, &servo.AdapterError{Adapter: adapter, Err: err}
	}
	return m, nil
}

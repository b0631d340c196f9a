package virtual

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/samsamfire/goservo/pkg/master"
	"github.com/samsamfire/goservo/pkg/pdo"
)

const maxMappingSubindex = 16

// Mapping installed when the device powers up
var defaultDictionary = map[uint32]uint32{
	odKey(pdo.EntryRxPdoAssignment, 0): 1,
	odKey(pdo.EntryRxPdoAssignment, 1): uint32(pdo.EntryRxPdoMapping),
	odKey(pdo.EntryRxPdoMapping, 0):    2,
	odKey(pdo.EntryRxPdoMapping, 1):    0x60400010,
	odKey(pdo.EntryRxPdoMapping, 2):    0x607A0020,
	odKey(pdo.EntryTxPdoAssignment, 0): 1,
	odKey(pdo.EntryTxPdoAssignment, 1): uint32(pdo.EntryTxPdoMapping),
	odKey(pdo.EntryTxPdoMapping, 0):    2,
	odKey(pdo.EntryTxPdoMapping, 1):    0x60410010,
	odKey(pdo.EntryTxPdoMapping, 2):    0x60640020,
}

func odKey(index uint16, subindex uint8) uint32 {
	return uint32(index)<<8 | uint32(subindex)
}

// SDOWrite is an acknowledged write received by a slave
type SDOWrite struct {
	Index    uint16
	Subindex uint8
	Data     []byte
}

func (w SDOWrite) String() string {
	return fmt.Sprintf("x%x:x%x=%x", w.Index, w.Subindex, w.Data)
}

// Slave is a simulated slave
type Slave struct {
	mu           sync.Mutex
	position     int
	name         string
	hook         master.PreOpHook
	state        master.ALState
	alStatusCode uint16
	dictionary   map[uint32]uint32
	aborts       map[uint32]master.SDOAbortCode
	writes       []SDOWrite
	layout       *pdo.Layout
	validOutputs bool
	drive        *Drive
}

func newDriveSlave(position int, aborts map[uint32]master.SDOAbortCode) *Slave {
	dictionary := make(map[uint32]uint32, len(defaultDictionary))
	for key, value := range defaultDictionary {
		dictionary[key] = value
	}
	return &Slave{
		position:   position,
		name:       "VIRTUAL-DRIVE",
		state:      master.StateInit,
		dictionary: dictionary,
		aborts:     aborts,
		drive:      NewDrive(),
	}
}

func newCouplerSlave(position int) *Slave {
	return &Slave{
		position: position,
		name:     "VIRTUAL-COUPLER",
		state:    master.StateInit,
	}
}

func (s *Slave) Position() int {
	return s.position
}

func (s *Slave) Name() string {
	return s.name
}

func (s *Slave) SetPreOpHook(hook master.PreOpHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

func (s *Slave) preOpHook() master.PreOpHook {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hook
}

func (s *Slave) OutputSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.layout == nil {
		return 0
	}
	return s.layout.OutputSize()
}

func (s *Slave) InputSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.layout == nil {
		return 0
	}
	return s.layout.InputSize()
}

// State with error flag set when an AL status code is pending
func (s *Slave) State() master.ALState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alStatusCode != master.ALStatusNoError {
		return s.state | master.StateErrorFlag
	}
	return s.state
}

func (s *Slave) ALStatusCode() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alStatusCode
}

// Acknowledged SDO writes, in reception order
func (s *Slave) Writes() []SDOWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	writes := make([]SDOWrite, len(s.writes))
	copy(writes, s.writes)
	return writes
}

// Process data layout currently used by the slave, nil if not mapped
func (s *Slave) Layout() *pdo.Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout
}

// Run f with exclusive access to the simulated drive
func (s *Slave) WithDrive(f func(d *Drive)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drive != nil {
		f(s.drive)
	}
}

func (s *Slave) SDOWrite(index uint16, subindex uint8, data []byte, completeAccess bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drive == nil {
		return master.AbortNotExist
	}
	if completeAccess {
		return master.AbortUnsupportedAccess
	}
	if code, ok := s.aborts[odKey(index, subindex)]; ok {
		return code
	}
	if s.state != master.StatePreOperational {
		return master.AbortDataDeviceState
	}
	var err error
	switch {
	case index == pdo.EntryRxPdoAssignment || index == pdo.EntryTxPdoAssignment:
		err = s.writeAssignment(index, subindex, data)
	case isMappingIndex(index):
		err = s.writeMapping(index, subindex, data)
	default:
		err = s.writeObject(index, subindex, data)
	}
	if err != nil {
		return err
	}
	s.writes = append(s.writes, SDOWrite{Index: index, Subindex: subindex, Data: append([]byte{}, data...)})
	return nil
}

func isMappingIndex(index uint16) bool {
	return (index >= pdo.EntryRxPdoMapping && index < pdo.EntryRxPdoMapping+4) ||
		(index >= pdo.EntryTxPdoMapping && index < pdo.EntryTxPdoMapping+4)
}

func decodeValue(data []byte, length int) (uint32, error) {
	if len(data) < length {
		return 0, master.AbortDataShort
	}
	if len(data) > length {
		return 0, master.AbortDataLong
	}
	switch length {
	case 1:
		return uint32(data[0]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(data)), nil
	default:
		return binary.LittleEndian.Uint32(data), nil
	}
}

// 0x1C12 / 0x1C13
func (s *Slave) writeAssignment(index uint16, subindex uint8, data []byte) error {
	if subindex == 0 {
		count, err := decodeValue(data, 1)
		if err != nil {
			return err
		}
		for sub := uint8(1); sub <= uint8(count); sub++ {
			if _, ok := s.dictionary[odKey(index, sub)]; !ok {
				return master.AbortValueHigh
			}
		}
		s.dictionary[odKey(index, 0)] = count
		return nil
	}
	if subindex > 4 {
		return master.AbortSubUnknown
	}
	if s.dictionary[odKey(index, 0)] != 0 {
		return master.AbortDataDeviceState
	}
	value, err := decodeValue(data, 2)
	if err != nil {
		return err
	}
	first := pdo.EntryRxPdoMapping
	if index == pdo.EntryTxPdoAssignment {
		first = pdo.EntryTxPdoMapping
	}
	if value < uint32(first) || value >= uint32(first)+4 {
		return master.AbortInvalidValue
	}
	s.dictionary[odKey(index, subindex)] = value
	return nil
}

// 0x1600..0x1603 / 0x1A00..0x1A03
func (s *Slave) writeMapping(index uint16, subindex uint8, data []byte) error {
	direction := pdo.Output
	if index >= pdo.EntryTxPdoMapping {
		direction = pdo.Input
	}
	if subindex == 0 {
		count, err := decodeValue(data, 1)
		if err != nil {
			return err
		}
		if count > maxMappingSubindex {
			return master.AbortValueHigh
		}
		bits := 0
		for sub := uint8(1); sub <= uint8(count); sub++ {
			raw, ok := s.dictionary[odKey(index, sub)]
			if !ok {
				return master.AbortValueHigh
			}
			bits += int(pdo.ParseMappingValue(raw).LengthBits)
		}
		if bits > pdo.MaxPdoLength*8 {
			return master.AbortMapLen
		}
		s.dictionary[odKey(index, 0)] = count
		return nil
	}
	if subindex > maxMappingSubindex {
		return master.AbortSubUnknown
	}
	if s.dictionary[odKey(index, 0)] != 0 {
		return master.AbortDataDeviceState
	}
	raw, err := decodeValue(data, 4)
	if err != nil {
		return err
	}
	entry := pdo.ParseMappingValue(raw)
	object, ok := mappable[entry.Index]
	if !ok || object.Direction != direction || entry.Subindex != 0 || entry.LengthBits != object.LengthBits {
		return master.AbortNoMap
	}
	s.dictionary[odKey(index, subindex)] = raw
	return nil
}

// Any other mappable object may be written by SDO too
func (s *Slave) writeObject(index uint16, subindex uint8, data []byte) error {
	object, ok := mappable[index]
	if !ok {
		return master.AbortNotExist
	}
	if subindex != 0 {
		return master.AbortSubUnknown
	}
	if object.Direction != pdo.Output {
		return master.AbortReadOnly
	}
	value, err := decodeValue(data, object.Length())
	if err != nil {
		return err
	}
	s.drive.setObject(index, uint64(value))
	return nil
}

// Rebuild the process data layout from the assignment & mapping objects
func (s *Slave) applyMapping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drive == nil {
		return nil
	}
	outputs := s.assigned(pdo.EntryRxPdoAssignment)
	inputs := s.assigned(pdo.EntryTxPdoAssignment)
	layout, err := pdo.NewLayout(outputs, inputs)
	if err != nil {
		s.alStatusCode = master.ALStatusInvalidOutputMapping
		s.layout = nil
		return fmt.Errorf("slave %v : %w", s.position, err)
	}
	s.layout = layout
	return nil
}

func (s *Slave) assigned(assignmentIndex uint16) []uint32 {
	mappings := make([]uint32, 0)
	for sub := uint8(1); sub <= uint8(s.dictionary[odKey(assignmentIndex, 0)]); sub++ {
		mappingIndex := uint16(s.dictionary[odKey(assignmentIndex, sub)])
		for entry := uint8(1); entry <= uint8(s.dictionary[odKey(mappingIndex, 0)]); entry++ {
			mappings = append(mappings, s.dictionary[odKey(mappingIndex, entry)])
		}
	}
	return mappings
}

// Try to reach target, returns true once reached
func (s *Slave) transition(target master.ALState, maxState master.ALState, maxStateCode uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch target {
	case master.StateInit:
		s.state = master.StateInit
		s.alStatusCode = master.ALStatusNoError
		s.validOutputs = false
		if s.drive != nil {
			s.drive.reset()
		}
		return true
	case master.StatePreOperational:
		s.state = master.StatePreOperational
		s.alStatusCode = master.ALStatusNoError
		s.validOutputs = false
		return true
	case master.StateBoot:
		s.alStatusCode = master.ALStatusBootstrapNotSupported
		return false
	case master.StateSafeOperational, master.StateOperational:
	default:
		s.alStatusCode = master.ALStatusUnknownRequestedState
		return false
	}
	if target > maxState {
		s.alStatusCode = maxStateCode
		return false
	}
	if target == master.StateSafeOperational {
		switch {
		case s.state == master.StateOperational || s.state == master.StateSafeOperational:
		case s.state != master.StatePreOperational:
			s.alStatusCode = master.ALStatusInvalidRequestedState
			return false
		case s.drive != nil && s.layout == nil:
			s.alStatusCode = master.ALStatusInvalidOutputMapping
			return false
		default:
			s.validOutputs = false
		}
		s.state = master.StateSafeOperational
		s.alStatusCode = master.ALStatusNoError
		return true
	}
	if s.state == master.StateOperational {
		return true
	}
	if s.state != master.StateSafeOperational {
		s.alStatusCode = master.ALStatusInvalidRequestedState
		return false
	}
	// Outputs must have been received before going operational
	if s.drive != nil && !s.validOutputs {
		return false
	}
	s.state = master.StateOperational
	s.alStatusCode = master.ALStatusNoError
	return true
}

// Exchange process data with the drive. Outputs are applied only
// when operational, inputs are valid from safe-operational.
func (s *Slave) exchange(output []byte, input []byte, dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drive == nil || s.layout == nil {
		return
	}
	if s.state != master.StateSafeOperational && s.state != master.StateOperational {
		return
	}
	s.validOutputs = true
	if s.state == master.StateOperational {
		for _, entry := range s.layout.Outputs() {
			s.drive.setObject(entry.Index, getUint(output, entry.Offset, entry.Length()))
		}
		s.drive.applyControl()
	}
	s.drive.step(dt)
	for _, entry := range s.layout.Inputs() {
		putUint(input, entry.Offset, entry.Length(), s.drive.object(entry.Index))
	}
}

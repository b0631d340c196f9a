package canopen

import (
	"encoding/binary"
	"fmt"
	"sync"

	servo "github.com/samsamfire/goservo"
	"github.com/samsamfire/goservo/pkg/master"
	"github.com/samsamfire/goservo/pkg/pdo"
)

const (
	maxPdoBytes        = 8
	maxMappingSubindex = 64
	cobIdInvalid       = 0x80000000
	transmissionSync   = 0x01
)

// A group of mapped objects fitting in a single PDO
type pdoGroup struct {
	cobId   uint32
	offset  int
	size    int
	entries []uint32
}

// Slave is a CANopen node.
// Sync manager assignment (0x1C12/0x1C13) and mapping (0x16xx/0x1Axx)
// writes are kept by the master and translated into RPDOs and TPDOs
// of at most 8 bytes each when the map is configured. Other writes
// are forwarded to the node.
type Slave struct {
	m          *Master
	position   int
	nodeId     uint8
	mu         sync.Mutex
	hook       master.PreOpHook
	state      uint8
	safeOp     bool
	dictionary map[uint32]uint32
	rpdos      []pdoGroup
	tpdos      []pdoGroup
	outputSize int
	inputSize  int
}

func odKey(index uint16, subindex uint8) uint32 {
	return uint32(index)<<8 | uint32(subindex)
}

func newSlave(m *Master, position int, nodeId uint8) *Slave {
	return &Slave{
		m:          m,
		position:   position,
		nodeId:     nodeId,
		state:      nmtStatePreOperational,
		dictionary: make(map[uint32]uint32),
	}
}

func (s *Slave) Position() int {
	return s.position
}

func (s *Slave) NodeId() uint8 {
	return s.nodeId
}

func (s *Slave) Name() string {
	return fmt.Sprintf("CANOPEN-NODE-x%02X", s.nodeId)
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
	return s.outputSize
}

func (s *Slave) InputSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputSize
}

func (s *Slave) rpdoGroups() []pdoGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rpdos
}

func (s *Slave) tpdoGroups() []pdoGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tpdos
}

func (s *Slave) setNmtState(state uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A node enters pre-operational by itself after boot-up
	if state == nmtStateInitializing {
		state = nmtStatePreOperational
	}
	s.state = state
}

func (s *Slave) nmtState() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Slave) setSafeOperational(safeOp bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.safeOp = safeOp
}

func (s *Slave) State() master.ALState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case nmtStateOperational:
		return master.StateOperational
	case nmtStatePreOperational:
		if s.safeOp {
			return master.StateSafeOperational
		}
		return master.StatePreOperational
	}
	return master.StateInit
}

// Nodes have no AL status, failures are reported with EMCY
func (s *Slave) ALStatusCode() uint16 {
	return master.ALStatusNoError
}

func (s *Slave) SDOWrite(index uint16, subindex uint8, data []byte, completeAccess bool) error {
	if completeAccess {
		return master.AbortUnsupportedAccess
	}
	switch {
	case index == pdo.EntryRxPdoAssignment || index == pdo.EntryTxPdoAssignment:
		return s.writeLocal(index, subindex, data, 2)
	case isMappingIndex(index):
		return s.writeLocal(index, subindex, data, 4)
	}
	return s.m.sdoDownload(s.nodeId, index, subindex, data)
}

func isMappingIndex(index uint16) bool {
	return (index >= pdo.EntryRxPdoMapping && index < pdo.EntryRxPdoMapping+0x200) ||
		(index >= pdo.EntryTxPdoMapping && index < pdo.EntryTxPdoMapping+0x200)
}

// Write an assignment or mapping record kept by the master.
// Entries can only be changed while the count is 0.
func (s *Slave) writeLocal(index uint16, subindex uint8, data []byte, entryLength int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	length := entryLength
	if subindex == 0 {
		length = 1
	}
	if len(data) < length {
		return master.AbortDataShort
	}
	if len(data) > length {
		return master.AbortDataLong
	}
	if subindex > maxMappingSubindex {
		return master.AbortSubUnknown
	}
	if subindex == 0 {
		count := data[0]
		if count > maxMappingSubindex {
			return master.AbortValueHigh
		}
		for sub := uint8(1); sub <= count; sub++ {
			if _, ok := s.dictionary[odKey(index, sub)]; !ok {
				return master.AbortInvalidValue
			}
		}
		s.dictionary[odKey(index, 0)] = uint32(count)
		return nil
	}
	if s.dictionary[odKey(index, 0)] != 0 {
		return master.AbortDataDeviceState
	}
	var value uint32
	if entryLength == 2 {
		value = uint32(binary.LittleEndian.Uint16(data))
		if !isAssignable(index, uint16(value)) {
			return master.AbortInvalidValue
		}
	} else {
		value = binary.LittleEndian.Uint32(data)
		bits := pdo.ParseMappingValue(value).LengthBits
		if bits == 0 || bits%8 != 0 || bits > maxPdoBytes*8 {
			return master.AbortMapLen
		}
	}
	s.dictionary[odKey(index, subindex)] = value
	return nil
}

func isAssignable(assignment uint16, mapping uint16) bool {
	if assignment == pdo.EntryRxPdoAssignment {
		return mapping >= pdo.EntryRxPdoMapping && mapping < pdo.EntryRxPdoMapping+0x200
	}
	return mapping >= pdo.EntryTxPdoMapping && mapping < pdo.EntryTxPdoMapping+0x200
}

// Mapping values of all objects assigned to a sync manager, in order
func (s *Slave) assignedEntries(assignment uint16) []uint32 {
	entries := make([]uint32, 0)
	count := uint8(s.dictionary[odKey(assignment, 0)])
	for sub := uint8(1); sub <= count; sub++ {
		mapping := uint16(s.dictionary[odKey(assignment, sub)])
		nbEntries := uint8(s.dictionary[odKey(mapping, 0)])
		for entry := uint8(1); entry <= nbEntries; entry++ {
			entries = append(entries, s.dictionary[odKey(mapping, entry)])
		}
	}
	return entries
}

// Pack entries in order into PDOs of at most 8 bytes, an entry is never split
func splitGroups(entries []uint32, base uint32, nodeId uint8) ([]pdoGroup, error) {
	groups := make([]pdoGroup, 0)
	offset := 0
	for _, raw := range entries {
		length := int(pdo.ParseMappingValue(raw).LengthBits) / 8
		if len(groups) == 0 || groups[len(groups)-1].size+length > maxPdoBytes {
			if len(groups) == nbPdoPerNode {
				return nil, fmt.Errorf("%w : mapping does not fit in %v PDOs", master.AbortMapLen, nbPdoPerNode)
			}
			groups = append(groups, pdoGroup{
				cobId:  base + uint32(len(groups))*pdoIdIncrement + uint32(nodeId),
				offset: offset,
			})
		}
		group := &groups[len(groups)-1]
		group.size += length
		group.entries = append(group.entries, raw)
		offset += length
	}
	return groups, nil
}

// Translate the assigned mapping into synchronous PDOs on the node
func (s *Slave) applyMapping() error {
	s.mu.Lock()
	outputs := s.assignedEntries(pdo.EntryRxPdoAssignment)
	inputs := s.assignedEntries(pdo.EntryTxPdoAssignment)
	s.mu.Unlock()

	rpdos, err := splitGroups(outputs, idRpdo, s.nodeId)
	if err != nil {
		return fmt.Errorf("outputs of x%x : %w", s.nodeId, err)
	}
	tpdos, err := splitGroups(inputs, idTpdo, s.nodeId)
	if err != nil {
		return fmt.Errorf("inputs of x%x : %w", s.nodeId, err)
	}
	if err := s.writePdos(entryRpdoComm, entryRpdoMapping, idRpdo, rpdos); err != nil {
		return err
	}
	if err := s.writePdos(entryTpdoComm, entryTpdoMapping, idTpdo, tpdos); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpdos, s.tpdos = rpdos, tpdos
	s.outputSize, s.inputSize = groupsSize(rpdos), groupsSize(tpdos)
	s.m.logger.Debugf("x%x mapped %v RPDOs (%v bytes), %v TPDOs (%v bytes)",
		s.nodeId, len(rpdos), s.outputSize, len(tpdos), s.inputSize)
	return nil
}

func groupsSize(groups []pdoGroup) int {
	size := 0
	for _, group := range groups {
		size += group.size
	}
	return size
}

// Configure all PDOs of one direction, unused ones are left disabled
func (s *Slave) writePdos(commBase uint16, mappingBase uint16, idBase uint32, groups []pdoGroup) error {
	for i := 0; i < nbPdoPerNode; i++ {
		comm := commBase + uint16(i)
		mapping := mappingBase + uint16(i)
		cobId := idBase + uint32(i)*pdoIdIncrement + uint32(s.nodeId)
		// Mapping can only be changed while the PDO is disabled
		if err := s.download(comm, 1, u32(cobId|cobIdInvalid)); err != nil {
			return err
		}
		if i >= len(groups) {
			continue
		}
		if err := s.download(mapping, 0, []byte{0}); err != nil {
			return err
		}
		for sub, entry := range groups[i].entries {
			if err := s.download(mapping, uint8(sub+1), u32(entry)); err != nil {
				return err
			}
		}
		if err := s.download(mapping, 0, []byte{uint8(len(groups[i].entries))}); err != nil {
			return err
		}
		if err := s.download(comm, 2, []byte{transmissionSync}); err != nil {
			return err
		}
		if err := s.download(comm, 1, u32(cobId)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Slave) download(index uint16, subindex uint8, data []byte) error {
	err := s.m.sdoDownload(s.nodeId, index, subindex, data)
	if err != nil {
		return &servo.SdoConfigurationError{Index: index, Subindex: subindex, Err: err}
	}
	return nil
}

func u32(value uint32) []byte {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, value)
	return raw
}

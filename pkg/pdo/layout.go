package pdo

import (
	"fmt"
	"sort"

	servo "github.com/samsamfire/goservo"
	"go.uber.org/multierr"
)

const (
	MaxPdoLength        = 64 // bytes per direction
	MaxMappedEntriesPdo = 64
)

// Objects used to assign and map the process data
const (
	EntryRxPdoAssignment uint16 = 0x1C12
	EntryTxPdoAssignment uint16 = 0x1C13
	EntryRxPdoMapping    uint16 = 0x1600
	EntryTxPdoMapping    uint16 = 0x1A00
)

// Direction of a mapped object
type Direction uint8

const (
	Output Direction = iota // master -> device (RxPDO)
	Input                   // device -> master (TxPDO)
)

func (d Direction) String() string {
	if d == Output {
		return "RxPDO"
	}
	return "TxPDO"
}

// ObjectMapEntry places one object of the device object dictionary
// at a fixed byte offset inside the output or input buffer.
type ObjectMapEntry struct {
	Index      uint16
	Subindex   uint8
	LengthBits uint8
	Offset     int
	Direction  Direction
}

// Length of the entry in bytes
func (e ObjectMapEntry) Length() int {
	return int(e.LengthBits) >> 3
}

// End is the first byte offset after the entry
func (e ObjectMapEntry) End() int {
	return e.Offset + e.Length()
}

// MappingValue returns the raw value written inside of a mapping table
// i.e. index << 16 | subindex << 8 | length in bits
func (e ObjectMapEntry) MappingValue() uint32 {
	return uint32(e.Index)<<16 | uint32(e.Subindex)<<8 | uint32(e.LengthBits)
}

func (e ObjectMapEntry) String() string {
	return fmt.Sprintf("%v x%04x:x%02x (%v bits @%v)", e.Direction, e.Index, e.Subindex, e.LengthBits, e.Offset)
}

// ParseMappingValue decodes a raw mapping table value.
// Offset and direction are left empty.
func ParseMappingValue(raw uint32) ObjectMapEntry {
	return ObjectMapEntry{
		Index:      uint16(raw >> 16),
		Subindex:   uint8(raw >> 8),
		LengthBits: uint8(raw),
	}
}

// Layout is the static description of both process data buffers.
// It is never modified once created.
type Layout struct {
	outputs    []ObjectMapEntry
	inputs     []ObjectMapEntry
	outputSize int
	inputSize  int
}

// Create a new [Layout] from raw mapping values, in mapping order.
// Offsets are assigned sequentially, the same way the device packs
// the mapped objects.
func NewLayout(outputs []uint32, inputs []uint32) (*Layout, error) {
	entries := make([]ObjectMapEntry, 0, len(outputs)+len(inputs))
	offset := 0
	for _, raw := range outputs {
		entry := ParseMappingValue(raw)
		entry.Direction = Output
		entry.Offset = offset
		offset += entry.Length()
		entries = append(entries, entry)
	}
	offset = 0
	for _, raw := range inputs {
		entry := ParseMappingValue(raw)
		entry.Direction = Input
		entry.Offset = offset
		offset += entry.Length()
		entries = append(entries, entry)
	}
	return NewLayoutFromEntries(entries)
}

// Create a new [Layout] from a table of entries with explicit offsets.
// The table is validated before being returned.
func NewLayoutFromEntries(entries []ObjectMapEntry) (*Layout, error) {
	layout := &Layout{}
	for _, entry := range entries {
		if entry.Direction == Output {
			layout.outputs = append(layout.outputs, entry)
		} else {
			layout.inputs = append(layout.inputs, entry)
		}
	}
	sortByOffset(layout.outputs)
	sortByOffset(layout.inputs)
	layout.outputSize = imageSize(layout.outputs)
	layout.inputSize = imageSize(layout.inputs)
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return layout, nil
}

func sortByOffset(entries []ObjectMapEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Offset < entries[j].Offset
	})
}

func imageSize(entries []ObjectMapEntry) int {
	size := 0
	for _, entry := range entries {
		if entry.End() > size {
			size = entry.End()
		}
	}
	return size
}

// Validate checks that entries of each direction are byte aligned,
// contiguous from offset 0, and fit in [MaxPdoLength].
// All problems found are returned together.
func (l *Layout) Validate() error {
	return multierr.Combine(
		validateEntries(l.outputs),
		validateEntries(l.inputs),
	)
}

func validateEntries(entries []ObjectMapEntry) error {
	var errs error
	if len(entries) > MaxMappedEntriesPdo {
		errs = multierr.Append(errs, fmt.Errorf("%w : %v entries mapped, max is %v",
			servo.ErrInvalidLayout, len(entries), MaxMappedEntriesPdo))
	}
	next := 0
	for _, entry := range entries {
		switch {
		case entry.LengthBits == 0 || entry.LengthBits&0x07 != 0:
			errs = multierr.Append(errs, fmt.Errorf("%w : %v is not byte aligned", servo.ErrInvalidLayout, entry))
		case entry.Offset < next:
			errs = multierr.Append(errs, fmt.Errorf("%w : %v overlaps previous entry", servo.ErrInvalidLayout, entry))
		case entry.Offset > next:
			errs = multierr.Append(errs, fmt.Errorf("%w : gap before %v", servo.ErrInvalidLayout, entry))
		}
		if entry.End() > next {
			next = entry.End()
		}
	}
	if next > MaxPdoLength {
		errs = multierr.Append(errs, fmt.Errorf("%w : %v bytes mapped, max is %v",
			servo.ErrInvalidLayout, next, MaxPdoLength))
	}
	return errs
}

// Outputs returns the output entries in offset order
func (l *Layout) Outputs() []ObjectMapEntry {
	return append([]ObjectMapEntry(nil), l.outputs...)
}

// Inputs returns the input entries in offset order
func (l *Layout) Inputs() []ObjectMapEntry {
	return append([]ObjectMapEntry(nil), l.inputs...)
}

func (l *Layout) OutputSize() int {
	return l.outputSize
}

func (l *Layout) InputSize() int {
	return l.inputSize
}

// Output returns the output entry mapping the given object index
func (l *Layout) Output(index uint16) (ObjectMapEntry, bool) {
	return find(l.outputs, index)
}

// Input returns the input entry mapping the given object index
func (l *Layout) Input(index uint16) (ObjectMapEntry, bool) {
	return find(l.inputs, index)
}

func find(entries []ObjectMapEntry, index uint16) (ObjectMapEntry, bool) {
	for _, entry := range entries {
		if entry.Index == index {
			return entry, true
		}
	}
	return ObjectMapEntry{}, false
}

package config

import (
	"encoding/binary"
	"fmt"

	servo "github.com/samsamfire/goservo"
	"github.com/samsamfire/goservo/pkg/master"
	"github.com/samsamfire/goservo/pkg/pdo"
	log "github.com/sirupsen/logrus"
)

// MappingConfigurator installs a process image layout inside of a
// device, by writing its PDO assignment and PDO mapping objects.
// The device must be in pre-operational state.
type MappingConfigurator struct {
	logger log.FieldLogger
	writer master.SDOWriter
	layout *pdo.Layout
}

// Create a new [MappingConfigurator] for given layout and SDO writer
func NewMappingConfigurator(writer master.SDOWriter, layout *pdo.Layout, logger log.FieldLogger) *MappingConfigurator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &MappingConfigurator{
		logger: logger.WithField("service", "[CONFIG]"),
		writer: writer,
		layout: layout,
	}
}

// Write a single value, little endian encoded.
// Errors are returned as [servo.SdoConfigurationError]
func (c *MappingConfigurator) WriteRaw(index uint16, subindex uint8, value any) error {
	var raw []byte
	switch v := value.(type) {
	case uint8:
		raw = []byte{v}
	case uint16:
		raw = binary.LittleEndian.AppendUint16(nil, v)
	case uint32:
		raw = binary.LittleEndian.AppendUint32(nil, v)
	default:
		return &servo.SdoConfigurationError{Index: index, Subindex: subindex, Err: fmt.Errorf("unsupported type %T", value)}
	}
	c.logger.Debugf("writing x%x:x%x <- %x", index, subindex, raw)
	err := c.writer.SDOWrite(index, subindex, raw, false)
	if err != nil {
		c.logger.Errorf("write x%x:x%x failed : %v", index, subindex, err)
		return &servo.SdoConfigurationError{Index: index, Subindex: subindex, Err: err}
	}
	return nil
}

// Clear number of assigned PDOs, this disables the assignment while editing
func (c *MappingConfigurator) ClearAssignment(assignmentIndex uint16) error {
	return c.WriteRaw(assignmentIndex, 0, uint8(0))
}

// Assign a single mapping table
func (c *MappingConfigurator) WriteAssignment(assignmentIndex uint16, mappingIndex uint16) error {
	err := c.WriteRaw(assignmentIndex, 1, mappingIndex)
	if err != nil {
		return err
	}
	return c.WriteRaw(assignmentIndex, 0, uint8(1))
}

// Clear number of mapped entries
func (c *MappingConfigurator) ClearMappings(mappingIndex uint16) error {
	return c.WriteRaw(mappingIndex, 0, uint8(0))
}

// Write new PDO mapping
// Entries are written in the given order then the number of mapped objects is updated.
// This will first clear the current mapping
func (c *MappingConfigurator) WriteMappings(mappingIndex uint16, entries []pdo.ObjectMapEntry) error {
	err := c.ClearMappings(mappingIndex)
	if err != nil {
		return err
	}
	for sub, entry := range entries {
		err := c.WriteRaw(mappingIndex, uint8(sub)+1, entry.MappingValue())
		if err != nil {
			return err
		}
	}
	return c.WriteRaw(mappingIndex, 0, uint8(len(entries)))
}

// Configure runs the complete mapping sequence.
// The first failing write aborts, nothing is rolled back.
func (c *MappingConfigurator) Configure() error {
	c.logger.Infof("configuring process data mapping, %v outputs, %v inputs",
		len(c.layout.Outputs()), len(c.layout.Inputs()))

	steps := []func() error{
		func() error { return c.ClearAssignment(pdo.EntryRxPdoAssignment) },
		func() error { return c.ClearAssignment(pdo.EntryTxPdoAssignment) },
		func() error { return c.WriteAssignment(pdo.EntryRxPdoAssignment, pdo.EntryRxPdoMapping) },
		func() error { return c.WriteAssignment(pdo.EntryTxPdoAssignment, pdo.EntryTxPdoMapping) },
		func() error { return c.WriteMappings(pdo.EntryRxPdoMapping, c.layout.Outputs()) },
		func() error { return c.WriteMappings(pdo.EntryTxPdoMapping, c.layout.Inputs()) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	c.logger.Info("process data mapping configured")
	return nil
}

// Hook returns the configurator as a pre-operational hook
func (c *MappingConfigurator) Hook() master.PreOpHook {
	return func(position int) error {
		c.logger.Infof("slave %v is pre-operational", position)
		return c.Configure()
	}
}

package cia402

import "github.com/samsamfire/goservo/pkg/pdo"

// Process image used for profiled position & velocity modes
var defaultEntries = []pdo.ObjectMapEntry{
	{Index: EntryControlWord, LengthBits: 16, Offset: 0, Direction: pdo.Output},
	{Index: EntryTargetPosition, LengthBits: 32, Offset: 2, Direction: pdo.Output},
	{Index: EntryTargetVelocity, LengthBits: 32, Offset: 6, Direction: pdo.Output},
	{Index: EntryModesOfOperation, LengthBits: 8, Offset: 10, Direction: pdo.Output},

	{Index: EntryStatusWord, LengthBits: 16, Offset: 0, Direction: pdo.Input},
	{Index: EntryPositionActualValue, LengthBits: 32, Offset: 2, Direction: pdo.Input},
	{Index: EntryVelocityActualValue, LengthBits: 32, Offset: 6, Direction: pdo.Input},
	{Index: EntryModesOfOperationDisplay, LengthBits: 8, Offset: 10, Direction: pdo.Input},
}

// DefaultLayout returns the process image layout for a single drive
// controlled in profiled position or profiled velocity mode.
func DefaultLayout() *pdo.Layout {
	layout, err := pdo.NewLayoutFromEntries(defaultEntries)
	if err != nil {
		panic(err)
	}
	return layout
}

package lockcheck

import "time"

// ProcessInfo identifies one external process holding the database open.
type ProcessInfo struct {
	PID  int32  `json:"pid" yaml:"pid"`
	Name string `json:"name" yaml:"name"`
}

// ProcessInspector enumerates processes holding a file open. Implementations
// must respect the budget and report whether the scan was cut short.
type ProcessInspector interface {
	// HoldersOf returns the processes that hold path open. limited is true
	// when the scan could not cover every process (budget exhausted or
	// insufficient privileges), meaning an empty result is inconclusive.
	HoldersOf(path string, budget time.Duration) (holders []ProcessInfo, limited bool)
}

// NopInspector never enumerates holders. Diagnoses built with it always
// flag the holder scan as limited.
type NopInspector struct{}

func (NopInspector) HoldersOf(string, time.Duration) ([]ProcessInfo, bool) {
	return nil, true
}

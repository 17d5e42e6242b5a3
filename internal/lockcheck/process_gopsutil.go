package lockcheck

import (
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// SystemInspector enumerates database holders by walking the process table
// and checking each process's open file descriptors.
type SystemInspector struct{}

// HoldersOf scans all visible processes for an open descriptor on path or
// its sidecars. Processes that cannot be inspected (typically other users'
// processes) are skipped and mark the scan as limited, as does running out
// of budget before the walk finishes.
func (SystemInspector) HoldersOf(path string, budget time.Duration) ([]ProcessInfo, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	targets := map[string]struct{}{abs: {}}
	for _, sp := range sidecarPaths(abs) {
		targets[sp] = struct{}{}
	}

	procs, err := process.Processes()
	if err != nil {
		return nil, true
	}

	deadline := time.Now().Add(budget)
	var holders []ProcessInfo
	limited := false
	for _, p := range procs {
		if time.Now().After(deadline) {
			limited = true
			break
		}
		files, err := p.OpenFiles()
		if err != nil {
			limited = true
			continue
		}
		for _, f := range files {
			if _, ok := targets[f.Path]; !ok {
				continue
			}
			name, err := p.Name()
			if err != nil {
				name = "unknown"
			}
			holders = append(holders, ProcessInfo{PID: p.Pid, Name: name})
			break
		}
	}
	return holders, limited
}

// Package lockcheck diagnoses why a database file cannot be opened: sidecar
// state, external holders, permissions, and disk space. Diagnosis functions
// never return errors; missing information is reported as partial results.
package lockcheck

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"
)

// Config holds the diagnosis tunables.
type Config struct {
	// ScanBudget bounds the external-process scan wall clock.
	ScanBudget time.Duration
	// LowDiskBytes is the free-space floor below which a recommendation to
	// free space is emitted.
	LowDiskBytes uint64
}

// DefaultConfig returns the diagnosis defaults.
func DefaultConfig() Config {
	return Config{
		ScanBudget:   5 * time.Second,
		LowDiskBytes: 50 * 1024 * 1024,
	}
}

// SidecarFile describes one journal/shared-memory/lock sidecar.
type SidecarFile struct {
	Path       string `json:"path" yaml:"path"`
	Size       int64  `json:"size" yaml:"size"`
	Accessible bool   `json:"accessible" yaml:"accessible"`
}

// Diagnosis is the result of one lock inspection run.
type Diagnosis struct {
	Path              string        `json:"path" yaml:"path"`
	Exists            bool          `json:"exists" yaml:"exists"`
	SizeBytes         int64         `json:"size_bytes" yaml:"size_bytes"`
	Readable          bool          `json:"readable" yaml:"readable"`
	Writable          bool          `json:"writable" yaml:"writable"`
	Openable          bool          `json:"openable" yaml:"openable"`
	Sidecars          []SidecarFile `json:"sidecars" yaml:"sidecars"`
	Holders           []ProcessInfo `json:"holders" yaml:"holders"`
	HolderScanLimited bool          `json:"holder_scan_limited" yaml:"holder_scan_limited"`
	FreeDiskBytes     uint64        `json:"free_disk_bytes" yaml:"free_disk_bytes"`
	FreeDiskKnown     bool          `json:"free_disk_known" yaml:"free_disk_known"`
	Recommendations   []string      `json:"recommendations" yaml:"recommendations"`
	CheckedAt         time.Time     `json:"checked_at" yaml:"checked_at"`
}

// Inspector runs lock diagnostics for database files.
type Inspector struct {
	cfg  Config
	proc ProcessInspector
	log  *zap.SugaredLogger
}

// NewInspector creates an inspector. proc may be nil, in which case external
// holders are never enumerated and the diagnosis notes the limitation.
func NewInspector(cfg Config, proc ProcessInspector, log *zap.SugaredLogger) *Inspector {
	if cfg.ScanBudget <= 0 {
		cfg.ScanBudget = 5 * time.Second
	}
	if proc == nil {
		proc = NopInspector{}
	}
	return &Inspector{cfg: cfg, proc: proc, log: log}
}

// sidecarPaths lists the sidecar files the store engine may leave next to
// the database. Order matters for display only.
func sidecarPaths(path string) []string {
	return []string{
		path + "-wal",
		path + "-shm",
		path + "-journal",
		path + ".lock",
	}
}

// Diagnose inspects the file, its sidecars, external holders, and disk space
// and derives prioritized recommendations. It never fails; whatever could
// not be determined is left at its zero value with the limitation flagged.
func (i *Inspector) Diagnose(path string) Diagnosis {
	d := Diagnosis{Path: path, CheckedAt: time.Now()}

	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		d.Recommendations = append(d.Recommendations,
			"database file does not exist; recreate it with 'apidb init'")
	case err != nil:
		d.Recommendations = append(d.Recommendations,
			fmt.Sprintf("cannot stat database file: %v; check directory permissions", err))
	default:
		d.Exists = true
		d.SizeBytes = info.Size()
	}

	if d.Exists {
		d.Readable = canRead(path)
		d.Writable = canWrite(path)
		d.Openable = canOpen(path)
	}

	for _, sp := range sidecarPaths(path) {
		si, err := os.Stat(sp)
		if err != nil {
			continue
		}
		d.Sidecars = append(d.Sidecars, SidecarFile{
			Path:       sp,
			Size:       si.Size(),
			Accessible: canRead(sp),
		})
	}

	d.Holders, d.HolderScanLimited = i.proc.HoldersOf(path, i.cfg.ScanBudget)
	d.FreeDiskBytes, d.FreeDiskKnown = freeDiskSpace(filepath.Dir(path))

	i.recommend(&d)
	return d
}

func (i *Inspector) recommend(d *Diagnosis) {
	if !d.Exists {
		return
	}
	if !d.Readable || !d.Writable {
		d.Recommendations = append(d.Recommendations,
			fmt.Sprintf("fix file permissions: chmod u+rw %s", d.Path))
	}
	if !d.Openable {
		if len(d.Holders) > 0 {
			d.Recommendations = append(d.Recommendations,
				fmt.Sprintf("database is held open by %d process(es); close them or use force-unlock", len(d.Holders)))
		} else {
			d.Recommendations = append(d.Recommendations,
				"database cannot be opened; check for a holding process or run 'apidb unlock'")
		}
	}
	for _, sc := range d.Sidecars {
		if filepath.Ext(sc.Path) == "" {
			continue
		}
		if sc.Size > 0 && sc.Path == d.Path+"-wal" {
			d.Recommendations = append(d.Recommendations,
				"write-ahead log is non-empty; a checkpoint will merge pending changes")
			break
		}
	}
	if d.FreeDiskKnown && d.FreeDiskBytes < i.cfg.LowDiskBytes {
		d.Recommendations = append(d.Recommendations,
			fmt.Sprintf("low disk space (%d bytes free); free space before writing", d.FreeDiskBytes))
	}
}

func canRead(path string) bool {
	f, err := os.Open(path) // #nosec G304 - caller-supplied database path
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

func canWrite(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// canOpen probes whether the engine itself can read the store.
func canOpen(path string) bool {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_pragma=busy_timeout(500)")
	if err != nil {
		return false
	}
	defer func() { _ = db.Close() }()
	var one int
	return db.QueryRow("SELECT 1").Scan(&one) == nil
}

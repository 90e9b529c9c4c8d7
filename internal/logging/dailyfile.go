package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DailyFile appends to {dir}/{prefix}-YYYYMMDD.log and rolls to a new file
// when the UTC date changes. Writes after Close are discarded.
type DailyFile struct {
	dir    string
	prefix string

	mu     sync.Mutex
	file   *os.File
	day    string
	closed bool
}

// NewDailyFile creates the log directory if needed and opens today's file.
func NewDailyFile(dir, prefix string) (*DailyFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create dir %s: %w", dir, err)
	}
	d := &DailyFile{dir: dir, prefix: prefix}
	if err := d.roll(time.Now().UTC()); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return len(p), nil
	}
	now := time.Now().UTC()
	if day := now.Format("20060102"); day != d.day {
		if err := d.roll(now); err != nil {
			return 0, err
		}
	}
	return d.file.Write(p)
}

func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.file == nil {
		return nil
	}
	return d.file.Close()
}

// roll is called with d.mu held (or before the value escapes the constructor).
func (d *DailyFile) roll(now time.Time) error {
	day := now.Format("20060102")
	path := filepath.Join(d.dir, fmt.Sprintf("%s-%s.log", d.prefix, day))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", path, err)
	}
	if d.file != nil {
		d.file.Close()
	}
	d.file = file
	d.day = day
	return nil
}

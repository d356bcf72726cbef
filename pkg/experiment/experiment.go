// Package experiment answers whether a named experiment is enabled.
package experiment

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// Known experiments.
const (
	WifiSimulateWireless = "WifiSimulateWireless"
	WifiNo2GClient       = "WifiNo2GClient"
)

// Checker reports whether an experiment is enabled.
type Checker interface {
	Enabled(name string) bool
}

// Files enables an experiment when <Dir>/<name>.active exists. Register
// announces an experiment by creating <RegistryDir>/<name>.available.
type Files struct {
	Dir         string
	RegistryDir string
}

func (f Files) Enabled(name string) bool {
	if f.Dir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(f.Dir, name+".active"))
	return err == nil
}

// Register marks name as available for enabling.
func (f Files) Register(name string) error {
	if f.RegistryDir == "" {
		return nil
	}
	if err := os.MkdirAll(f.RegistryDir, 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(filepath.Join(f.RegistryDir, name+".available"), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

// Static is an in-memory Checker, for tests and for builds without a backend.
type Static struct {
	mu      sync.RWMutex
	enabled map[string]bool
}

func NewStatic(names ...string) *Static {
	s := &Static{enabled: map[string]bool{}}
	for _, n := range names {
		s.enabled[n] = true
	}
	return s
}

func (s *Static) Enabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled[name]
}

// Set enables or disables name.
func (s *Static) Set(name string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled[name] = on
}

// Any is enabled when any of its checkers is.
type Any []Checker

func (a Any) Enabled(name string) bool {
	for _, c := range a {
		if c != nil && c.Enabled(name) {
			return true
		}
	}
	return false
}

// ErrNoConsul is returned by NewConsul in builds without the consul tag.
var ErrNoConsul = errors.New("consul support not built in")

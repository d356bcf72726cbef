// Package status maintains a directory of marker files, one per boolean
// proposition about the device's connectivity. A file exists iff its
// proposition currently holds.
package status

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// P names a proposition.
type P string

const (
	CanReachACS        P = "CAN_REACH_ACS"
	CanReachInternet   P = "CAN_REACH_INTERNET"
	ConnectedToWLAN    P = "CONNECTED_TO_WLAN"
	ConnectedToOpen    P = "CONNECTED_TO_OPEN"
	HaveConfig         P = "HAVE_CONFIG"
	HaveWorkingConfig  P = "HAVE_WORKING_CONFIG"
	TryingOpen         P = "TRYING_OPEN"
	TryingWLAN         P = "TRYING_WLAN"
	ProvisioningFailed P = "PROVISIONING_FAILED"
)

// All lists every proposition in evaluation order.
var All = []P{
	CanReachACS, CanReachInternet, ConnectedToWLAN, ConnectedToOpen,
	HaveConfig, HaveWorkingConfig, TryingOpen, TryingWLAN, ProvisioningFailed,
}

type rule struct {
	implies    []P
	impliesNot []P
}

// rules are applied to true propositions in All order, so a later
// proposition can not contradict an earlier one.
var rules = map[P]rule{
	CanReachACS:       {impliesNot: []P{ProvisioningFailed}},
	ConnectedToWLAN:   {implies: []P{HaveConfig, HaveWorkingConfig}, impliesNot: []P{ConnectedToOpen, TryingWLAN, TryingOpen}},
	ConnectedToOpen:   {impliesNot: []P{ConnectedToWLAN, TryingOpen}},
	HaveWorkingConfig: {implies: []P{HaveConfig}},
	TryingOpen:        {impliesNot: []P{ConnectedToOpen, ConnectedToWLAN}},
	TryingWLAN:        {implies: []P{HaveConfig}, impliesNot: []P{ConnectedToWLAN}},
}

// Resolve returns values with implications applied.
func Resolve(values map[P]bool) map[P]bool {
	out := make(map[P]bool, len(All))
	for _, p := range All {
		out[p] = values[p]
	}
	fixed := map[P]struct{}{}
	for _, p := range All {
		if !out[p] {
			continue
		}
		fixed[p] = struct{}{}
		for _, q := range rules[p].implies {
			if _, ok := fixed[q]; !ok {
				out[q] = true
				fixed[q] = struct{}{}
			}
		}
		for _, q := range rules[p].impliesNot {
			if _, ok := fixed[q]; !ok {
				out[q] = false
				fixed[q] = struct{}{}
			}
		}
	}
	return out
}

// Dir writes propositions as marker files in one directory.
type Dir struct {
	path    string
	current map[P]bool
}

func NewDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("status dir: %w", err)
	}
	return &Dir{path: path, current: map[P]bool{}}, nil
}

// Path returns the directory.
func (d *Dir) Path() string { return d.path }

// Set resolves values and creates or removes marker files to match. It
// returns the propositions whose value changed.
func (d *Dir) Set(values map[P]bool) ([]P, error) {
	resolved := Resolve(values)
	var changed []P
	var errs []error
	for _, p := range All {
		want := resolved[p]
		prev := d.current[p]
		if err := d.sync(p, want); err != nil {
			errs = append(errs, err)
			continue
		}
		d.current[p] = want
		if prev != want {
			changed = append(changed, p)
		}
	}
	return changed, errors.Join(errs...)
}

func (d *Dir) sync(p P, want bool) error {
	file := filepath.Join(d.path, string(p))
	_, err := os.Stat(file)
	if have := err == nil; have == want {
		return nil
	}
	if !want {
		if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Get reports the last value written for p.
func (d *Dir) Get(p P) bool { return d.current[p] }

// True returns the propositions currently true, sorted.
func (d *Dir) True() []string {
	var out []string
	for p, v := range d.current {
		if v {
			out = append(out, string(p))
		}
	}
	sort.Strings(out)
	return out
}

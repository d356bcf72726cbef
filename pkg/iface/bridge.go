package iface

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"conman/pkg/logging"
)

// BridgeOptions configure a Bridge.
type BridgeOptions struct {
	Options
	// AutoprovisioningPath exists iff the bridge's routes are prioritized.
	AutoprovisioningPath string
	// CWMPDir holds the acscontact and acsconnected stamps.
	CWMPDir string
	// SimulateWireless reports whether wired connection checks should fail
	// while the ACS session has been failing for less than MaxACSFailure.
	SimulateWireless func() bool
	MaxACSFailure    time.Duration
}

// Bridge is the wired bridge, up when Ethernet or any MoCA station is up.
type Bridge struct {
	*Base
	autoprov      string
	cwmpDir       string
	simulate      func() bool
	maxACSFailure time.Duration
	mocaStations  map[int]struct{}
}

func NewBridge(name string, baseMetric int, opts BridgeOptions) *Bridge {
	b := &Bridge{
		Base:          newBase(name, baseMetric, opts.Options),
		autoprov:      opts.AutoprovisioningPath,
		cwmpDir:       opts.CWMPDir,
		simulate:      opts.SimulateWireless,
		maxACSFailure: opts.MaxACSFailure,
		mocaStations:  map[int]struct{}{},
	}
	if b.maxACSFailure <= 0 {
		b.maxACSFailure = 60 * time.Second
	}
	b.hooks = hooks{
		beforeCheck:     b.simulatedOutage,
		afterPrioritize: b.createAutoprovisioningFile,
		beforeDemote:    b.removeAutoprovisioningFile,
	}
	return b
}

// Ethernet reports whether the Ethernet link is up.
func (b *Bridge) Ethernet() bool { return b.HasLink(LinkEthernet) }

func (b *Bridge) SetEthernet(ctx context.Context, up bool) {
	b.setLinkStatus(ctx, LinkEthernet, up)
}

// MoCA reports whether any MoCA station is up.
func (b *Bridge) MoCA() bool { return len(b.mocaStations) > 0 }

// MoCAStations returns the node ids currently up, sorted.
func (b *Bridge) MoCAStations() []int {
	out := make([]int, 0, len(b.mocaStations))
	for id := range b.mocaStations {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func (b *Bridge) AddMoCAStation(ctx context.Context, nodeID int) {
	if _, ok := b.mocaStations[nodeID]; ok {
		return
	}
	b.mocaStations[nodeID] = struct{}{}
	b.setLinkStatus(ctx, LinkMoCA, true)
}

func (b *Bridge) RemoveMoCAStation(ctx context.Context, nodeID int) {
	if _, ok := b.mocaStations[nodeID]; !ok {
		return
	}
	delete(b.mocaStations, nodeID)
	b.setLinkStatus(ctx, LinkMoCA, len(b.mocaStations) > 0)
}

func (b *Bridge) simulatedOutage(ctx context.Context, acs bool) (Tri, bool) {
	if b.simulate == nil || !b.simulate() {
		return Unknown, false
	}
	failure := b.acsSessionFailure()
	if failure >= b.maxACSFailure {
		return Unknown, false
	}
	b.log.Info(ctx, "simulating wireless: failing bridge connection check",
		logging.Bool("acs", acs), logging.Duration("acs_failure", failure), logging.Duration("max", b.maxACSFailure))
	return No, true
}

// acsSessionFailure is the time between the last attempted and the last
// successful ACS session.
func (b *Bridge) acsSessionFailure() time.Duration {
	contact, err := os.Stat(filepath.Join(b.cwmpDir, "acscontact"))
	if err != nil {
		return 0
	}
	connected, err := os.Stat(filepath.Join(b.cwmpDir, "acsconnected"))
	if err != nil {
		return 0
	}
	return contact.ModTime().Sub(connected.ModTime())
}

func (b *Bridge) createAutoprovisioningFile() {
	if b.autoprov == "" {
		return
	}
	f, err := os.OpenFile(b.autoprov, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		b.log.Error(context.Background(), "create autoprovisioning file", logging.Err(err))
		return
	}
	_ = f.Close()
}

func (b *Bridge) removeAutoprovisioningFile() {
	if b.autoprov == "" {
		return
	}
	if err := os.Remove(b.autoprov); err != nil && !errors.Is(err, os.ErrNotExist) {
		b.log.Error(context.Background(), "remove autoprovisioning file", logging.Err(err))
	}
}

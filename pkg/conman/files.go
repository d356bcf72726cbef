package conman

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"conman/pkg/logging"
	"conman/pkg/model"
	"conman/pkg/runner"
)

const (
	commandPrefix     = "command."
	accessPointPrefix = "access_point."
	gatewayPrefix     = "gateway."
	subnetPrefix      = "subnet."
	mocaNodePrefix    = "node"
)

func isConfigFile(name string) bool {
	for _, band := range bandPreference {
		if name == commandPrefix+band || name == accessPointPrefix+band {
			return true
		}
	}
	return false
}

func isRouteFile(name string) bool {
	return strings.HasPrefix(name, gatewayPrefix) || strings.HasPrefix(name, subnetPrefix)
}

var mocaNodeRe = regexp.MustCompile(`^node(\d+)$`)

func isMoCANodeFile(name string) bool { return mocaNodeRe.MatchString(name) }

// dirWatch keeps the last accepted contents of the interesting files in one
// directory so each poll yields only what changed.
type dirWatch struct {
	dir  string
	keep func(name string) bool
	seen map[string][]byte
}

func newDirWatch(dir string, keep func(string) bool) *dirWatch {
	return &dirWatch{dir: dir, keep: keep, seen: map[string][]byte{}}
}

// poll reads the directory and calls handle for each removed file (data nil)
// and each new or changed file, in name order. A change is only remembered
// when handle accepts it, so a rejected file is offered again next poll.
func (w *dirWatch) poll(handle func(name string, data []byte, removed bool) bool) {
	if w.dir == "" {
		return
	}
	current := map[string][]byte{}
	entries, err := os.ReadDir(w.dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !w.keep(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(w.dir, e.Name()))
		if err != nil {
			// Renamed or deleted between ReadDir and ReadFile.
			continue
		}
		current[e.Name()] = data
	}

	var removed, changed []string
	for name := range w.seen {
		if _, ok := current[name]; !ok {
			removed = append(removed, name)
		}
	}
	for name, data := range current {
		if old, ok := w.seen[name]; !ok || !bytes.Equal(old, data) {
			changed = append(changed, name)
		}
	}
	sort.Strings(removed)
	sort.Strings(changed)

	for _, name := range removed {
		if handle(name, nil, true) {
			delete(w.seen, name)
		}
	}
	for _, name := range changed {
		if handle(name, current[name], false) {
			w.seen[name] = current[name]
		}
	}
}

// forget drops name so its next appearance is reported as new.
func (w *dirWatch) forget(name string) { delete(w.seen, name) }

// pollConfig applies changes to the WLAN command files and AP markers.
func (m *Manager) pollConfig(ctx context.Context) {
	m.configWatch.poll(func(name string, data []byte, removed bool) bool {
		if band, ok := strings.CutPrefix(name, accessPointPrefix); ok {
			m.apMarkers[band] = !removed
			if cfg := m.configs[band]; cfg != nil {
				cfg.AccessPoint = !removed
			}
			m.log.Info(ctx, "access point marker", logging.String("band", band), logging.Bool("present", !removed))
			return true
		}
		band := strings.TrimPrefix(name, commandPrefix)
		if removed {
			m.removeConfig(ctx, band)
			return true
		}
		parsed, err := model.ParseWLANCommand(band, data)
		if err != nil {
			// Probably caught mid-write; keep what we had and look again next tick.
			m.log.Warn(ctx, "ignoring wlan configuration", logging.String("band", band), logging.Err(err))
			return false
		}
		parsed.AccessPoint = m.apMarkers[band]
		m.setConfig(ctx, parsed)
		return true
	})
}

// pollLinks applies changes to interface status, gateway, subnet and MoCA
// node files.
func (m *Manager) pollLinks(ctx context.Context) {
	m.ifaceWatch.poll(func(name string, data []byte, removed bool) bool {
		up := !removed && strings.TrimSpace(string(data)) == "1"
		switch {
		case name == "eth0":
			m.bridge.SetEthernet(ctx, up)
		default:
			if r := m.radioByName(name); r != nil {
				r.wifi.Update(ctx)
			}
		}
		return true
	})

	m.tmpWatch.poll(func(name string, data []byte, removed bool) bool {
		value := strings.TrimSpace(string(data))
		if removed {
			value = ""
		}
		if ifname, ok := strings.CutPrefix(name, gatewayPrefix); ok {
			if i := m.interfaceByName(ifname); i != nil && i.Gateway() != value {
				i.SetGatewayIP(ctx, value)
			}
			return true
		}
		ifname := strings.TrimPrefix(name, subnetPrefix)
		if i := m.interfaceByName(ifname); i != nil {
			i.SetSubnet(ctx, value)
		}
		return true
	})

	hadMoCA := m.bridge.MoCA()
	m.mocaWatch.poll(func(name string, data []byte, removed bool) bool {
		id, _ := strconv.Atoi(strings.TrimPrefix(name, mocaNodePrefix))
		if removed {
			m.bridge.RemoveMoCAStation(ctx, id)
			return true
		}
		node, err := model.ParseMoCANode(data)
		if err != nil {
			m.log.Warn(ctx, "ignoring moca node file", logging.String("file", name), logging.Err(err))
			return false
		}
		if node.NodeID != 0 {
			id = node.NodeID
		}
		if node.Up() {
			m.bridge.AddMoCAStation(ctx, id)
		} else {
			m.bridge.RemoveMoCAStation(ctx, id)
		}
		return true
	})
	if hasMoCA := m.bridge.MoCA(); hasMoCA != hadMoCA {
		action := "down"
		if hasMoCA {
			action = "up"
		}
		if _, err := m.run.Run(ctx, runner.Cmd("ifplugd.action", "moca0", action)); err != nil {
			m.log.Warn(ctx, "ifplugd.action moca0 failed", logging.Err(err))
		}
	}
}

type gatewayed interface {
	Gateway() string
	SetGatewayIP(ctx context.Context, ip string)
	SetSubnet(ctx context.Context, subnet string)
}

func (m *Manager) interfaceByName(name string) gatewayed {
	if name == m.bridge.Name() {
		return m.bridge
	}
	if r := m.radioByName(name); r != nil {
		return r.wifi
	}
	return nil
}

// clearRouteFiles removes an interface's DHCP results ahead of a new
// association, so a stale lease is never mistaken for a new one.
func (m *Manager) clearRouteFiles(ctx context.Context, name string) {
	for _, prefix := range []string{gatewayPrefix, subnetPrefix} {
		file := prefix + name
		if err := os.Remove(filepath.Join(m.opts.TmpDir, file)); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.log.Warn(ctx, "remove dhcp file", logging.String("file", file), logging.Err(err))
		}
		m.tmpWatch.forget(file)
	}
}

// lowerUp reports whether `ip link` output shows a carrier on dev.
func lowerUp(ipLink, dev string) bool {
	for _, line := range strings.Split(ipLink, "\n") {
		if !strings.Contains(line, "LOWER_UP") {
			continue
		}
		for _, f := range strings.Fields(line) {
			if strings.TrimSuffix(f, ":") == dev || strings.HasPrefix(f, dev+"@") {
				return true
			}
		}
	}
	return false
}

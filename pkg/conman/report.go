package conman

import (
	"context"
	"os"
	"sort"
	"strconv"
	"time"

	"conman/pkg/iface"
	"conman/pkg/logging"
	"conman/pkg/model"
	"conman/pkg/status"
	"conman/pkg/version"
)

func (m *Manager) statusValues(ctx context.Context) map[status.P]bool {
	acs := m.ACS(ctx)
	v := map[status.P]bool{
		status.CanReachACS:      acs,
		status.CanReachInternet: m.Internet(ctx),
		status.HaveConfig:       len(m.configs) > 0,
	}
	for _, r := range m.radios {
		w := r.wifi
		if w.CurrentSecureSSID(ctx) != "" {
			v[status.ConnectedToWLAN] = true
			if acs {
				v[status.HaveWorkingConfig] = true
			}
		}
		if w.ConnectedToOpen(ctx) {
			v[status.ConnectedToOpen] = true
			if !w.ACS(ctx).OK() {
				v[status.TryingOpen] = true
			}
		}
		if !r.waitingSince.IsZero() {
			v[status.TryingOpen] = true
		}
		if r.failed {
			v[status.ProvisioningFailed] = true
		}
	}
	for band, cfg := range m.configs {
		if cfg.clientWanted && !m.ClientUp(ctx, band) {
			v[status.TryingWLAN] = true
		}
	}
	return v
}

func (m *Manager) writeStatus(ctx context.Context) {
	changed, err := m.status.Set(m.statusValues(ctx))
	if err != nil {
		m.log.Error(ctx, "write status files", logging.Err(err))
	}
	for _, p := range changed {
		m.log.Info(ctx, "status", logging.String("status", string(p)), logging.Bool("value", m.status.Get(p)))
	}
}

// writeHosts maps the device hostname to the address of the interface
// carrying default traffic: the working interface whose default route has
// the lowest metric.
func (m *Manager) writeHosts(ctx context.Context) {
	if m.opts.HostsFile == "" {
		return
	}
	best, bestMetric := iface.Interface(nil), 0
	for _, i := range m.interfaces() {
		if !i.ACS(ctx).OK() && !i.Internet(ctx).OK() {
			continue
		}
		r, ok := i.CurrentRoutes(ctx)[iface.RouteDefault]
		if !ok {
			continue
		}
		metric, err := strconv.Atoi(r.Metric)
		if err != nil {
			metric = i.Metric()
		}
		if best == nil || metric < bestMetric {
			best, bestMetric = i, metric
		}
	}
	content := "127.0.0.1 localhost"
	if best != nil {
		if ip := best.IPAddress(ctx); ip != "" {
			content = ip + " " + m.opts.Hostname + "\n" + content
		}
	}
	if content == m.hosts {
		return
	}
	if err := os.WriteFile(m.opts.HostsFile, []byte(content), 0o644); err != nil {
		m.log.Error(ctx, "write hosts file", logging.Err(err))
		return
	}
	m.log.Info(ctx, "wrote hosts file", logging.String("content", content))
	m.hosts = content
}

func (m *Manager) snapshot(ctx context.Context) model.Snapshot {
	s := model.Snapshot{
		DeviceID:  m.opts.DeviceID,
		Hostname:  m.opts.Hostname,
		Version:   version.Build,
		Tick:      m.tick,
		ACS:       m.ACS(ctx),
		Internet:  m.Internet(ctx),
		Status:    m.status.True(),
		Timestamp: m.now(),
	}
	for _, i := range m.interfaces() {
		s.Interfaces = append(s.Interfaces, model.InterfaceStatus{
			Name:         i.Name(),
			Links:        i.Links(),
			Gateway:      i.Gateway(),
			Metric:       i.Metric(),
			DefaultRoute: i.CurrentRoute(ctx),
			ACS:          i.ACS(ctx).String(),
			Internet:     i.Internet(ctx).String(),
		})
	}
	bands := map[string]bool{}
	for band := range m.configs {
		bands[band] = true
	}
	for _, r := range m.radios {
		for _, b := range r.bands {
			bands[b] = true
		}
	}
	names := make([]string, 0, len(bands))
	for b := range bands {
		names = append(names, b)
	}
	sort.Strings(names)
	for _, band := range names {
		bs := model.BandStatus{Band: band}
		if r := m.radioForBand(band); r != nil {
			bs.Interface = r.wifi.Name()
			bs.LastAttempted = bssString(r.lastAttempted)
			bs.LastSuccessful = bssString(r.lastSuccessful)
		}
		if cfg := m.configs[band]; cfg != nil {
			bs.SSID = cfg.SSID
			bs.AccessPoint = cfg.AccessPoint
			bs.APUp = cfg.apUp
			bs.ClientUp = m.ClientUp(ctx, band)
		}
		s.Bands = append(s.Bands, bs)
	}
	return s
}

func bssString(b model.BssInfo) string {
	if b.IsZero() {
		return ""
	}
	return b.String()
}

func (m *Manager) publish(ctx context.Context, took time.Duration) {
	m.last = m.snapshot(ctx)
	for _, o := range m.observers {
		o.Observe(m.last, took)
	}
	for _, p := range m.publishers {
		p.Publish(m.last)
	}
}

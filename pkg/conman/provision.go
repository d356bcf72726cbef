package conman

import (
	"context"
	"slices"
	"strconv"
	"time"

	"conman/pkg/cycler"
	"conman/pkg/iface"
	"conman/pkg/iw"
	"conman/pkg/logging"
	"conman/pkg/model"
	"conman/pkg/runner"
)

// radio is one WiFi client interface and its provisioning state.
type radio struct {
	wifi  *iface.Wifi
	bands []string // preference order

	cycler         *cycler.Cycler[model.BssInfo]
	bandOf         map[model.BssInfo]string
	lastAttempted  model.BssInfo
	lastSuccessful model.BssInfo
	waitingSince   time.Time
	lastScan       time.Time
	scans          int
	failed         bool
}

func (m *Manager) newRadio(w *iface.Wifi) *radio {
	var bands []string
	for _, b := range bandPreference {
		if w.HasBand(b) {
			bands = append(bands, b)
		}
	}
	return &radio{
		wifi:   w,
		bands:  bands,
		cycler: cycler.New[model.BssInfo](m.opts.BSSIDCycleLength, nil, cycler.WithClock(m.now)),
		bandOf: map[model.BssInfo]string{},
	}
}

// busy reports whether the radio is serving a configuration, as a client or
// an AP, and so must not be used for provisioning.
func (m *Manager) busy(r *radio) bool {
	for _, band := range r.bands {
		if cfg := m.configs[band]; cfg != nil && (cfg.clientWanted || cfg.apUp) {
			return true
		}
	}
	return false
}

// provision moves the radio one step towards ACS access over an open or
// vendor-advertised network, when nothing better is available.
func (m *Manager) provision(ctx context.Context, r *radio) {
	w := r.wifi
	if !r.waitingSince.IsZero() {
		if w.Gateway() == "" {
			waited := m.now().Sub(r.waitingSince)
			if waited < m.opts.DHCPWait {
				m.log.Debug(ctx, "waiting for dhcp", logging.String("iface", w.Name()), logging.Duration("waited", waited))
				return
			}
			m.log.Info(ctx, "dhcp timed out", logging.String("iface", w.Name()), logging.String("bss", r.lastAttempted.String()))
			m.record(ctx, model.Event{Kind: model.EventDHCPTimeout, Interface: w.Name(),
				BSSID: r.lastAttempted.BSSID, SSID: r.lastAttempted.SSID})
			if r.lastSuccessful == r.lastAttempted {
				m.clearLastSuccessful(ctx, r)
			}
			r.cycler.Cool(r.lastAttempted)
			m.uploadPending = false
		}
		r.waitingSince = time.Time{}
	}

	if w.CurrentSecureSSID(ctx) != "" || m.busy(r) {
		return
	}

	if w.ConnectedToOpen(ctx) {
		if w.ACS(ctx).OK() {
			if r.lastSuccessful != r.lastAttempted && !r.lastAttempted.IsZero() {
				m.markSuccessful(ctx, r)
			}
			return
		}
		if r.lastSuccessful == r.lastAttempted && !r.lastSuccessful.IsZero() {
			m.clearLastSuccessful(ctx, r)
		}
	}

	if m.ACS(ctx) {
		return
	}

	if r.lastSuccessful.IsZero() && m.scanDue(r) {
		m.scan(ctx, r)
	}

	attempt := r.lastSuccessful
	if attempt.IsZero() {
		var ok bool
		if attempt, ok = r.cycler.Next(); !ok {
			if r.scans > 0 && r.cycler.Empty() && !r.failed {
				m.log.Warn(ctx, "no provisioning candidates", logging.String("iface", w.Name()))
				r.failed = true
			}
			return
		}
	}
	r.failed = false
	m.tryBSS(ctx, r, attempt)
}

func (m *Manager) scanDue(r *radio) bool {
	return r.lastScan.IsZero() || m.now().Sub(r.lastScan) >= m.opts.ScanPeriod
}

func (m *Manager) scan(ctx context.Context, r *radio) {
	r.lastScan = m.now()
	r.scans++
	bsses, err := iw.Scan(ctx, m.run, r.wifi.Name())
	if err != nil {
		m.log.Warn(ctx, "scan failed", logging.String("iface", r.wifi.Name()), logging.Err(err))
		return
	}
	band := ""
	if len(r.bands) == 1 {
		band = r.bands[0]
	}
	items := iw.ProvisioningCandidates(bsses, band)
	r.cycler.Update(items)
	r.bandOf = map[model.BssInfo]string{}
	for _, b := range bsses {
		if b.Band() != "" && slices.Contains(r.bands, b.Band()) {
			r.bandOf[b.BssInfo] = b.Band()
		}
	}
	m.log.Info(ctx, "scanned", logging.String("iface", r.wifi.Name()), logging.Int("bsses", len(bsses)),
		logging.Int("candidates", len(items)))
	m.record(ctx, model.Event{Kind: model.EventScan, Interface: r.wifi.Name(), Detail: strconv.Itoa(len(items)) + " candidates"})
}

// tryBSS associates the radio with bss and, when a lease is already there,
// checks it in the same tick.
func (m *Manager) tryBSS(ctx context.Context, r *radio, bss model.BssInfo) {
	w := r.wifi
	band := r.bandOf[bss]
	if band == "" {
		band = r.bands[0]
	}
	m.clearRouteFiles(ctx, w.Name())
	if w.Gateway() != "" {
		w.SetGatewayIP(ctx, "")
	}
	r.lastAttempted = bss
	r.cycler.Cool(bss)
	m.log.Info(ctx, "trying bss", logging.String("iface", w.Name()), logging.String("bss", bss.String()), logging.String("band", band))
	m.record(ctx, model.Event{Kind: model.EventBSSAttempt, Interface: w.Name(), Band: band, BSSID: bss.BSSID, SSID: bss.SSID})

	_, err := m.run.Run(ctx, runner.Cmd("wifi", "setclient", "--ssid", bss.SSID, "--band", band, "--bssid", bss.BSSID))
	if err != nil {
		m.log.Info(ctx, "association failed", logging.String("iface", w.Name()), logging.String("bss", bss.String()), logging.Err(err))
		if r.lastSuccessful == bss {
			m.clearLastSuccessful(ctx, r)
		}
		return
	}

	m.uploadPending = true
	m.uploadArmedAt = m.tick

	m.pollLinks(ctx)
	w.Update(ctx)
	if w.Gateway() == "" {
		r.waitingSince = m.now()
		return
	}
	if w.ConnectedToOpen(ctx) && w.ACS(ctx).OK() && r.lastSuccessful != bss {
		m.markSuccessful(ctx, r)
	}
}

func (m *Manager) markSuccessful(ctx context.Context, r *radio) {
	r.lastSuccessful = r.lastAttempted
	m.log.Info(ctx, "provisioning bss works", logging.String("iface", r.wifi.Name()), logging.String("bss", r.lastSuccessful.String()))
	m.record(ctx, model.Event{Kind: model.EventBSSSuccess, Interface: r.wifi.Name(),
		BSSID: r.lastSuccessful.BSSID, SSID: r.lastSuccessful.SSID})
}

func (m *Manager) clearLastSuccessful(ctx context.Context, r *radio) {
	m.log.Info(ctx, "forgetting provisioning bss", logging.String("iface", r.wifi.Name()), logging.String("bss", r.lastSuccessful.String()))
	m.record(ctx, model.Event{Kind: model.EventBSSCleared, Interface: r.wifi.Name(),
		BSSID: r.lastSuccessful.BSSID, SSID: r.lastSuccessful.SSID})
	r.lastSuccessful = model.BssInfo{}
}

// maybeUploadLogs uploads once after a provisioning association, on the
// first later tick with ACS access.
func (m *Manager) maybeUploadLogs(ctx context.Context) {
	if !m.uploadPending || m.uploadArmedAt >= m.tick || !m.ACS(ctx) {
		return
	}
	m.uploadPending = false
	if _, err := m.run.Run(ctx, runner.Cmd("upload-logs-and-wait")); err != nil {
		m.log.Warn(ctx, "log upload failed", logging.Err(err))
		m.record(ctx, model.Event{Kind: model.EventLogUpload, Detail: "failed"})
		return
	}
	m.log.Info(ctx, "uploaded logs")
	m.record(ctx, model.Event{Kind: model.EventLogUpload, Detail: "ok"})
}

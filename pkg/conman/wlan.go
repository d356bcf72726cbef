package conman

import (
	"context"
	"time"

	"conman/pkg/experiment"
	"conman/pkg/logging"
	"conman/pkg/model"
	"conman/pkg/runner"
)

// wlanConfig is one band's configuration plus what conman has done with it.
type wlanConfig struct {
	model.WLANConfiguration

	apUp    bool
	apStale bool // command changed while the AP was up

	clientWanted    bool
	clientRestart   bool // ssid or psk changed
	clientStartedAt time.Time
	// failingSince is when the joined WLAN last stopped passing its checks.
	failingSince time.Time
	// failedUntil blocks the client after a join timed out or the joined WLAN
	// kept failing its checks, so the radio can provision in the meantime.
	failedUntil time.Time
}

func (m *Manager) setConfig(ctx context.Context, parsed model.WLANConfiguration) {
	cfg := m.configs[parsed.Band]
	if cfg == nil {
		m.log.Info(ctx, "new wlan configuration", logging.String("band", parsed.Band), logging.String("ssid", parsed.SSID))
		m.configs[parsed.Band] = &wlanConfig{WLANConfiguration: parsed}
		m.record(ctx, model.Event{Kind: model.EventConfig, Band: parsed.Band, SSID: parsed.SSID, Detail: "added"})
		return
	}
	if !cfg.SameNetwork(parsed) {
		m.log.Info(ctx, "wlan configuration changed", logging.String("band", parsed.Band), logging.String("ssid", parsed.SSID))
		cfg.clientRestart = cfg.clientWanted
		cfg.failedUntil = time.Time{}
	}
	if !cfg.SameAccessPoint(parsed) && cfg.apUp {
		cfg.apStale = true
	}
	cfg.WLANConfiguration = parsed
	m.record(ctx, model.Event{Kind: model.EventConfig, Band: parsed.Band, SSID: parsed.SSID, Detail: "changed"})
}

// removeConfig tears down whatever the band was running.
func (m *Manager) removeConfig(ctx context.Context, band string) {
	cfg := m.configs[band]
	if cfg == nil {
		return
	}
	m.log.Info(ctx, "wlan configuration removed", logging.String("band", band))
	if r := m.radioForBand(band); r != nil {
		if cfg.apUp {
			m.stopAccessPoint(ctx, r, cfg)
		}
		if cfg.clientWanted {
			m.stopClient(ctx, r, cfg)
		}
	}
	delete(m.configs, band)
	m.record(ctx, model.Event{Kind: model.EventConfig, Band: band, Detail: "removed"})
}

// updateRadio picks the one mode a radio runs. With working wired access
// and an AP marker on one of its bands, the radio serves the first such
// band as an AP. Otherwise it joins the first configured WLAN it may, and
// with neither it is left to provisioning.
func (m *Manager) updateRadio(ctx context.Context, r *radio) {
	bridgeUp := m.bridge.ACS(ctx).OK() || m.bridge.Internet(ctx).OK()

	apBand := ""
	if bridgeUp {
		for _, band := range r.bands {
			if cfg := m.configs[band]; cfg != nil && cfg.AccessPoint {
				apBand = band
				break
			}
		}
	}
	if apBand != "" {
		for _, band := range r.bands {
			if cfg := m.configs[band]; cfg != nil && cfg.clientWanted {
				m.stopClient(ctx, r, cfg)
			}
		}
		for _, band := range r.bands {
			if cfg := m.configs[band]; band != apBand && cfg != nil && cfg.apUp {
				m.stopAccessPoint(ctx, r, cfg)
			}
		}
		if cfg := m.configs[apBand]; !cfg.apUp || cfg.apStale {
			m.startAccessPoint(ctx, r, cfg)
		}
		return
	}

	for _, band := range r.bands {
		if cfg := m.configs[band]; cfg != nil && cfg.apUp {
			m.stopAccessPoint(ctx, r, cfg)
		}
	}

	now := m.now()
	clientBand := ""
	for _, band := range r.bands {
		cfg := m.configs[band]
		if cfg == nil || now.Before(cfg.failedUntil) {
			continue
		}
		if band == "2.4" && m.exp.Enabled(experiment.WifiNo2GClient) {
			continue
		}
		clientBand = band
		break
	}
	for _, band := range r.bands {
		if cfg := m.configs[band]; band != clientBand && cfg != nil && cfg.clientWanted {
			m.stopClient(ctx, r, cfg)
		}
	}
	if clientBand != "" {
		m.ensureClient(ctx, r, m.configs[clientBand])
	}
}

// ensureClient keeps the radio joined to cfg's WLAN. A vanished supplicant
// is restarted. One that stays unassociated for WLANRetry fails the band, as
// does a joined WLAN that fails its connection checks for WLANRetry.
func (m *Manager) ensureClient(ctx context.Context, r *radio, cfg *wlanConfig) {
	if !cfg.clientRestart && r.wifi.CurrentSecureSSID(ctx) == cfg.SSID {
		if !cfg.clientWanted {
			m.log.Info(ctx, "already joined to wlan", logging.String("iface", r.wifi.Name()), logging.String("ssid", cfg.SSID))
			cfg.clientWanted = true
			cfg.clientStartedAt = m.now()
		}
		if r.wifi.ACS(ctx).OK() || r.wifi.Internet(ctx).OK() {
			cfg.failingSince = time.Time{}
			return
		}
		if cfg.failingSince.IsZero() {
			cfg.failingSince = m.now()
			return
		}
		if m.now().Sub(cfg.failingSince) >= m.opts.WLANRetry {
			m.failClient(ctx, r, cfg, "joined wlan has no access")
		}
		return
	}
	if cfg.clientWanted && !cfg.clientRestart && r.wifi.Attached(ctx) {
		if m.now().Sub(cfg.clientStartedAt) >= m.opts.WLANRetry {
			m.failClient(ctx, r, cfg, "wlan join timed out")
		}
		return
	}
	if cfg.clientWanted && !cfg.clientRestart {
		m.log.Warn(ctx, "wpa_supplicant not running; restarting client", logging.String("iface", r.wifi.Name()))
	}
	m.startClient(ctx, r, cfg)
}

// failClient stops the client and blocks the band for WLANRetry so the
// radio can provision.
func (m *Manager) failClient(ctx context.Context, r *radio, cfg *wlanConfig, reason string) {
	m.log.Warn(ctx, reason, logging.String("band", cfg.Band), logging.String("ssid", cfg.SSID),
		logging.Duration("retry", m.opts.WLANRetry))
	m.stopClient(ctx, r, cfg)
	cfg.failedUntil = m.now().Add(m.opts.WLANRetry)
	m.record(ctx, model.Event{Kind: model.EventClientFailed, Interface: r.wifi.Name(), Band: cfg.Band, SSID: cfg.SSID, Detail: reason})
}

func (m *Manager) startClient(ctx context.Context, r *radio, cfg *wlanConfig) {
	cmd := runner.Cmd("wifi", "setclient", "--ssid", cfg.SSID, "--band", cfg.Band, "--persist").
		WithEnv("WIFI_CLIENT_PSK=" + cfg.PSK)
	cfg.clientRestart = false
	if _, err := m.run.Run(ctx, cmd); err != nil {
		m.log.Warn(ctx, "start wlan client failed", logging.String("band", cfg.Band), logging.Err(err))
		cfg.clientWanted = false
		return
	}
	m.log.Info(ctx, "started wlan client", logging.String("iface", r.wifi.Name()), logging.String("band", cfg.Band),
		logging.String("ssid", cfg.SSID))
	cfg.clientWanted = true
	cfg.clientStartedAt = m.now()
	cfg.failingSince = time.Time{}
	r.waitingSince = time.Time{}
	m.record(ctx, model.Event{Kind: model.EventClientStart, Interface: r.wifi.Name(), Band: cfg.Band, SSID: cfg.SSID})
}

func (m *Manager) stopClient(ctx context.Context, r *radio, cfg *wlanConfig) {
	_ = m.binwifi(ctx, "stopclient", "--band", cfg.Band, "--persist")
	cfg.clientWanted = false
	cfg.failingSince = time.Time{}
	m.log.Info(ctx, "stopped wlan client", logging.String("iface", r.wifi.Name()), logging.String("band", cfg.Band))
	m.record(ctx, model.Event{Kind: model.EventClientStop, Interface: r.wifi.Name(), Band: cfg.Band, SSID: cfg.SSID})
}

// startAccessPoint runs the configured AP command as written.
func (m *Manager) startAccessPoint(ctx context.Context, r *radio, cfg *wlanConfig) {
	if len(cfg.Command) == 0 {
		return
	}
	if _, err := m.run.Run(ctx, runner.Cmd(cfg.Command[0], cfg.Command[1:]...)); err != nil {
		m.log.Warn(ctx, "start access point failed", logging.String("band", cfg.Band), logging.Err(err))
		return
	}
	m.log.Info(ctx, "started access point", logging.String("band", cfg.Band), logging.String("ssid", cfg.SSID))
	cfg.apUp, cfg.apStale = true, false
	m.record(ctx, model.Event{Kind: model.EventAPStart, Interface: r.wifi.Name(), Band: cfg.Band, SSID: cfg.SSID})
}

func (m *Manager) stopAccessPoint(ctx context.Context, r *radio, cfg *wlanConfig) {
	_ = m.binwifi(ctx, "stopap", "--band", cfg.Band, "--persist")
	cfg.apUp = false
	m.log.Info(ctx, "stopped access point", logging.String("band", cfg.Band))
	m.record(ctx, model.Event{Kind: model.EventAPStop, Interface: r.wifi.Name(), Band: cfg.Band, SSID: cfg.SSID})
}

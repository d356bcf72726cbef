package iface

import (
	"context"
	"slices"
	"strings"

	"conman/pkg/logging"
	"conman/pkg/runner"
)

// WPAStatus is the subset of supplicant status the connection manager uses.
type WPAStatus struct {
	State   string // wpa_state
	SSID    string
	BSSID   string
	KeyMgmt string // key_mgmt; NONE on open networks
}

// Completed reports whether the supplicant is associated.
func (s WPAStatus) Completed() bool { return s.State == "COMPLETED" }

// StatusSource answers supplicant status queries. An error means nothing is
// attached to the interface.
type StatusSource interface {
	Status(ctx context.Context) (WPAStatus, error)
}

// WifiOptions configure a Wifi.
type WifiOptions struct {
	Options
	Bands []string
	// WPAControlDir is the wpa_supplicant control socket directory.
	WPAControlDir string
}

// Wifi is a wireless client interface, up while its supplicant is
// associated.
type Wifi struct {
	*Base
	bands  []string
	source StatusSource
	frenzy bool
	ssid   string // last associated network
}

// WifiMetric returns the base metric for a radio serving bands.
func WifiMetric(bands []string) int {
	has24, has5 := slices.Contains(bands, "2.4"), slices.Contains(bands, "5")
	switch {
	case has24 && has5:
		return Metric24GHz5GHz
	case has5:
		return Metric5GHz
	default:
		return Metric24GHz
	}
}

// NewWifi returns a Wifi whose status comes from wpa_cli.
func NewWifi(name string, baseMetric int, opts WifiOptions) *Wifi {
	w := &Wifi{Base: newBase(name, baseMetric, opts.Options), bands: opts.Bands}
	w.source = &wpaCLI{run: opts.Runner, name: name, ctrlDir: opts.WPAControlDir}
	return w
}

// NewFrenzyWifi returns a Wifi for a Quantenna radio, whose status comes
// from qcsapi.
func NewFrenzyWifi(name string, baseMetric int, opts WifiOptions) *Wifi {
	w := &Wifi{Base: newBase(name, baseMetric, opts.Options), bands: opts.Bands, frenzy: true}
	w.source = &qcsapi{run: opts.Runner}
	return w
}

// Bands returns the bands this radio serves.
func (w *Wifi) Bands() []string { return append([]string(nil), w.bands...) }

func (w *Wifi) HasBand(band string) bool { return slices.Contains(w.bands, band) }

// Frenzy reports whether this is a Quantenna radio.
func (w *Wifi) Frenzy() bool { return w.frenzy }

func (w *Wifi) Status(ctx context.Context) (WPAStatus, error) {
	return w.source.Status(ctx)
}

// Attached reports whether a supplicant is answering on this interface.
func (w *Wifi) Attached(ctx context.Context) bool {
	_, err := w.source.Status(ctx)
	return err == nil
}

// Update polls the supplicant and sets the wpa_supplicant link. Moving to a
// different network while the link stays up rechecks connectivity.
func (w *Wifi) Update(ctx context.Context) {
	st, err := w.source.Status(ctx)
	if err != nil {
		w.log.Debug(ctx, "supplicant status failed", logging.Err(err))
	}
	up := err == nil && st.Completed()
	roamed := up && w.HasLink(LinkWPASupplicant) && st.SSID != w.ssid
	if up {
		w.ssid = st.SSID
	} else {
		w.ssid = ""
	}
	w.setLinkStatus(ctx, LinkWPASupplicant, up)
	if roamed {
		w.log.Info(ctx, "joined a different network", logging.String("ssid", st.SSID))
		w.UpdateRoutes(ctx, true)
	}
}

// WPASupplicant updates and reports the wpa_supplicant link.
func (w *Wifi) WPASupplicant(ctx context.Context) bool {
	w.Update(ctx)
	return w.HasLink(LinkWPASupplicant)
}

// ConnectedToOpen reports whether the supplicant is associated to an open
// (provisioning) network.
func (w *Wifi) ConnectedToOpen(ctx context.Context) bool {
	st, err := w.source.Status(ctx)
	return err == nil && st.Completed() && st.KeyMgmt == "NONE"
}

// CurrentSecureSSID returns the SSID when associated to a secured network,
// or "".
func (w *Wifi) CurrentSecureSSID(ctx context.Context) string {
	st, err := w.source.Status(ctx)
	if err != nil || !st.Completed() || st.KeyMgmt == "NONE" {
		return ""
	}
	return st.SSID
}

type wpaCLI struct {
	run     runner.Runner
	name    string
	ctrlDir string
}

func (c *wpaCLI) Status(ctx context.Context) (WPAStatus, error) {
	args := []string{"-i", c.name, "status"}
	if c.ctrlDir != "" {
		args = append([]string{"-p", c.ctrlDir}, args...)
	}
	out, err := c.run.Run(ctx, runner.Cmd("wpa_cli", args...))
	if err != nil {
		return WPAStatus{}, err
	}
	return parseWPAStatus(string(out)), nil
}

func parseWPAStatus(out string) WPAStatus {
	var st WPAStatus
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch k {
		case "wpa_state":
			st.State = v
		case "ssid":
			st.SSID = v
		case "bssid":
			st.BSSID = v
		case "key_mgmt":
			st.KeyMgmt = v
		}
	}
	return st
}

type qcsapi struct {
	run runner.Runner
}

func (q *qcsapi) call(ctx context.Context, args ...string) (string, error) {
	out, err := q.run.Run(ctx, runner.Cmd("qcsapi", args...))
	return strings.TrimSpace(string(out)), err
}

func (q *qcsapi) Status(ctx context.Context) (WPAStatus, error) {
	mode, err := q.call(ctx, "get_mode", "wifi0")
	if err != nil {
		return WPAStatus{}, err
	}
	ssid, err := q.call(ctx, "get_ssid", "wifi0")
	if err != nil {
		return WPAStatus{}, err
	}
	security := ""
	if ssid != "" {
		if security, err = q.call(ctx, "ssid_get_authentication_mode", "wifi0", ssid); err != nil {
			return WPAStatus{}, err
		}
	}
	if mode != "Station" || ssid == "" {
		return WPAStatus{State: "SCANNING"}, nil
	}
	if security == "" {
		security = "NONE"
	}
	return WPAStatus{State: "COMPLETED", SSID: ssid, KeyMgmt: security}, nil
}

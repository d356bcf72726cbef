// Package conman decides which link carries a gateway's default traffic. A
// Manager owns the wired bridge and every WiFi client interface, watches the
// files other daemons write (link status, DHCP results, WLAN configuration)
// and on each RunOnce reprograms routes and WiFi client/AP state to match.
package conman

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"conman/pkg/experiment"
	"conman/pkg/iface"
	"conman/pkg/iw"
	"conman/pkg/journal"
	"conman/pkg/logging"
	"conman/pkg/model"
	"conman/pkg/runner"
	"conman/pkg/status"
)

// Bands in preference order: when one radio could serve either, 5 GHz wins.
var bandPreference = []string{"5", "2.4"}

// BridgeName is the wired bridge interface.
const BridgeName = "br0"

// Options are the Manager's paths and timing.
type Options struct {
	// ConfigDir holds command.<band> and access_point.<band>.
	ConfigDir string
	// TmpDir holds interfaces/, gateway.<iface>, subnet.<iface>, status/ and
	// the ACS autoprovisioning marker.
	TmpDir string
	// MoCATmpDir holds one node<id> JSON file per MoCA node.
	MoCATmpDir    string
	WPAControlDir string
	CWMPDir       string
	HostsFile     string
	Hostname      string
	DeviceID      string

	// InterfaceUpdatePeriod is how many ticks pass between full route
	// recomputations.
	InterfaceUpdatePeriod int
	ScanPeriod            time.Duration
	DHCPWait              time.Duration
	BSSIDCycleLength      time.Duration
	// WLANRetry bounds a WLAN join attempt and the provisioning fallback that
	// follows a failed one.
	WLANRetry     time.Duration
	ProbeTimeout  time.Duration
	MaxACSFailure time.Duration
}

func (o Options) withDefaults() Options {
	if o.InterfaceUpdatePeriod < 1 {
		o.InterfaceUpdatePeriod = 5
	}
	if o.DHCPWait <= 0 {
		o.DHCPWait = 10 * time.Second
	}
	if o.BSSIDCycleLength <= 0 {
		o.BSSIDCycleLength = 30 * time.Second
	}
	if o.WLANRetry <= 0 {
		o.WLANRetry = 120 * time.Second
	}
	if o.Hostname == "" {
		o.Hostname, _ = os.Hostname()
	}
	if o.DeviceID == "" {
		o.DeviceID = o.Hostname
	}
	return o
}

func (o Options) interfacesDir() string { return filepath.Join(o.TmpDir, "interfaces") }
func (o Options) statusDir() string     { return filepath.Join(o.TmpDir, "status") }

// Observer receives a snapshot after every tick.
type Observer interface {
	Observe(s model.Snapshot, took time.Duration)
}

// Publisher forwards snapshots off the device. Publish must not block.
type Publisher interface {
	Publish(s model.Snapshot)
}

// Option customizes a Manager.
type Option func(*Manager)

func WithRunner(r runner.Runner) Option { return func(m *Manager) { m.run = r } }

func WithLogger(l logging.Logger) Option { return func(m *Manager) { m.log = l } }

// WithClock overrides the time source for DHCP waits, scans and the cyclers.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithExperiments(c experiment.Checker) Option { return func(m *Manager) { m.exp = c } }

// WithRecorder adds an event sink such as the journal or metrics.
func WithRecorder(r journal.Recorder) Option {
	return func(m *Manager) { m.recorders = append(m.recorders, r) }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publishers = append(m.publishers, p) }
}

// Manager is the connection manager. It is driven by RunOnce from a single
// goroutine and is not safe for concurrent use.
type Manager struct {
	opts       Options
	run        runner.Runner
	log        logging.Logger
	now        func() time.Time
	exp        experiment.Checker
	recorders  []journal.Recorder
	observers  []Observer
	publishers []Publisher

	bridge *iface.Bridge
	radios []*radio

	configs   map[string]*wlanConfig
	apMarkers map[string]bool

	configWatch *dirWatch
	tmpWatch    *dirWatch
	ifaceWatch  *dirWatch
	mocaWatch   *dirWatch
	status      *status.Dir

	tick          uint64
	updateCounter int
	uploadPending bool
	uploadArmedAt uint64
	hosts         string
	last          model.Snapshot
}

// New discovers the radios, stops whatever mode a previous run left them in,
// reads all watched files and initializes every interface.
func New(ctx context.Context, opts Options, extra ...Option) (*Manager, error) {
	m := &Manager{
		opts:      opts.withDefaults(),
		log:       logging.Noop(),
		now:       time.Now,
		configs:   map[string]*wlanConfig{},
		apMarkers: map[string]bool{},
	}
	for _, o := range extra {
		o(m)
	}
	if m.run == nil {
		m.run = runner.New(0)
	}
	if m.exp == nil {
		m.exp = experiment.NewStatic()
	}
	if m.opts.ConfigDir == "" || m.opts.TmpDir == "" {
		return nil, fmt.Errorf("conman: config and tmp dirs are required")
	}

	for _, dir := range []string{m.opts.ConfigDir, m.opts.TmpDir, m.opts.interfacesDir(), m.opts.MoCATmpDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("conman: create %s: %w", dir, err)
		}
	}
	st, err := status.NewDir(m.opts.statusDir())
	if err != nil {
		return nil, err
	}
	m.status = st

	m.configWatch = newDirWatch(m.opts.ConfigDir, isConfigFile)
	m.tmpWatch = newDirWatch(m.opts.TmpDir, isRouteFile)
	m.ifaceWatch = newDirWatch(m.opts.interfacesDir(), func(string) bool { return true })
	m.mocaWatch = newDirWatch(m.opts.MoCATmpDir, isMoCANodeFile)

	m.createInterfaces(ctx)
	m.stopRadios(ctx)
	m.detectEthernet(ctx)

	m.pollConfig(ctx)
	m.pollLinks(ctx)
	for _, r := range m.radios {
		r.wifi.Update(ctx)
	}
	for _, i := range m.interfaces() {
		i.Initialize(ctx)
	}
	m.writeStatus(ctx)
	m.writeHosts(ctx)
	return m, nil
}

func (m *Manager) createInterfaces(ctx context.Context) {
	ifOpts := iface.Options{Runner: m.run, Logger: m.log, ProbeTimeout: m.opts.ProbeTimeout}
	m.bridge = iface.NewBridge(BridgeName, iface.MetricBridge, iface.BridgeOptions{
		Options:              ifOpts,
		AutoprovisioningPath: filepath.Join(m.opts.TmpDir, "acs_autoprovisioning"),
		CWMPDir:              m.opts.CWMPDir,
		SimulateWireless:     func() bool { return m.exp.Enabled(experiment.WifiSimulateWireless) },
		MaxACSFailure:        m.opts.MaxACSFailure,
	})

	clients, err := iw.Discover(ctx, m.run)
	if err != nil {
		m.log.Warn(ctx, "wifi discovery failed; running wired only", logging.Err(err))
	}
	for _, ci := range clients {
		wopts := iface.WifiOptions{Options: ifOpts, Bands: ci.Bands, WPAControlDir: m.opts.WPAControlDir}
		var w *iface.Wifi
		if ci.Frenzy {
			w = iface.NewFrenzyWifi(ci.Name, iface.WifiMetric(ci.Bands), wopts)
		} else {
			w = iface.NewWifi(ci.Name, iface.WifiMetric(ci.Bands), wopts)
		}
		m.radios = append(m.radios, m.newRadio(w))
		m.log.Info(ctx, "wifi client interface", logging.String("iface", ci.Name),
			logging.Any("bands", ci.Bands), logging.Bool("frenzy", ci.Frenzy))
	}
}

// stopRadios puts each radio in a known state for its preferred band: an AP
// left running is kept when the configuration still wants one.
func (m *Manager) stopRadios(ctx context.Context) {
	for _, r := range m.radios {
		band := r.bands[0]
		_, errCfg := os.Stat(filepath.Join(m.opts.ConfigDir, commandPrefix+band))
		_, errAP := os.Stat(filepath.Join(m.opts.ConfigDir, accessPointPrefix+band))
		verb := "stop"
		switch {
		case errCfg == nil && errAP == nil:
			verb = "stopclient"
		case errCfg == nil:
			verb = "stopap"
		}
		m.binwifi(ctx, verb, "--band", band, "--persist")
	}
}

// detectEthernet asks ifplugd to report eth0 when its carrier is already up,
// since ifplugd only reports transitions.
func (m *Manager) detectEthernet(ctx context.Context) {
	out, err := m.run.Run(ctx, runner.Cmd("ip", "link"))
	if err != nil {
		m.log.Warn(ctx, "ip link failed", logging.Err(err))
		return
	}
	if !lowerUp(string(out), "eth0") {
		return
	}
	if _, err := m.run.Run(ctx, runner.Cmd("ifplugd.action", "eth0", "up")); err != nil {
		m.log.Warn(ctx, "ifplugd.action eth0 up failed", logging.Err(err))
	}
}

// RunOnce performs one tick of the control loop. It never fails: every
// external failure becomes a negative observation retried next tick.
func (m *Manager) RunOnce(ctx context.Context) {
	started := time.Now()
	m.tick++

	m.pollConfig(ctx)
	m.pollLinks(ctx)
	for _, r := range m.radios {
		r.wifi.Update(ctx)
	}

	for _, r := range m.radios {
		m.updateRadio(ctx, r)
	}
	m.pollLinks(ctx)
	for _, r := range m.radios {
		r.wifi.Update(ctx)
	}

	for _, r := range m.radios {
		m.provision(ctx, r)
	}

	m.updateCounter++
	if m.updateCounter >= m.opts.InterfaceUpdatePeriod {
		m.updateCounter = 0
		for _, i := range m.interfaces() {
			i.UpdateRoutes(ctx, true)
		}
	}

	m.writeStatus(ctx)
	m.maybeUploadLogs(ctx)
	m.writeHosts(ctx)
	m.publish(ctx, time.Since(started))
}

// Run calls RunOnce every period until ctx is done.
func (m *Manager) Run(ctx context.Context, period time.Duration) error {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		m.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (m *Manager) interfaces() []iface.Interface {
	out := []iface.Interface{m.bridge}
	for _, r := range m.radios {
		out = append(out, r.wifi)
	}
	return out
}

// Bridge returns the wired bridge.
func (m *Manager) Bridge() *iface.Bridge { return m.bridge }

// Wifis returns the WiFi client interfaces in discovery order.
func (m *Manager) Wifis() []*iface.Wifi {
	out := make([]*iface.Wifi, 0, len(m.radios))
	for _, r := range m.radios {
		out = append(out, r.wifi)
	}
	return out
}

// WifiForBand returns the interface serving band, or nil when the device has
// no radio for it.
func (m *Manager) WifiForBand(band string) *iface.Wifi {
	if r := m.radioForBand(band); r != nil {
		return r.wifi
	}
	return nil
}

func (m *Manager) radioForBand(band string) *radio {
	for _, r := range m.radios {
		if slices.Contains(r.bands, band) {
			return r
		}
	}
	return nil
}

func (m *Manager) radioByName(name string) *radio {
	for _, r := range m.radios {
		if r.wifi.Name() == name {
			return r
		}
	}
	return nil
}

// ACS reports whether any interface can reach the ACS.
func (m *Manager) ACS(ctx context.Context) bool {
	for _, i := range m.interfaces() {
		if i.ACS(ctx).OK() {
			return true
		}
	}
	return false
}

// Internet reports whether any interface can reach the internet.
func (m *Manager) Internet(ctx context.Context) bool {
	for _, i := range m.interfaces() {
		if i.Internet(ctx).OK() {
			return true
		}
	}
	return false
}

// AccessPointUp reports whether conman is running an AP on band.
func (m *Manager) AccessPointUp(band string) bool {
	cfg := m.configs[band]
	return cfg != nil && cfg.apUp
}

// ClientUp reports whether band's radio is joined to band's configured WLAN.
func (m *Manager) ClientUp(ctx context.Context, band string) bool {
	cfg := m.configs[band]
	r := m.radioForBand(band)
	if cfg == nil || r == nil || !cfg.clientWanted {
		return false
	}
	return r.wifi.CurrentSecureSSID(ctx) == cfg.SSID
}

// LastAttempted and LastSuccessful return the provisioning BSSes for the
// radio serving band.
func (m *Manager) LastAttempted(band string) model.BssInfo {
	if r := m.radioForBand(band); r != nil {
		return r.lastAttempted
	}
	return model.BssInfo{}
}

func (m *Manager) LastSuccessful(band string) model.BssInfo {
	if r := m.radioForBand(band); r != nil {
		return r.lastSuccessful
	}
	return model.BssInfo{}
}

// Status returns the status directory.
func (m *Manager) Status() *status.Dir { return m.status }

// Snapshot returns the state published by the last tick.
func (m *Manager) Snapshot() model.Snapshot { return m.last }

func (m *Manager) record(ctx context.Context, ev model.Event) {
	if ev.Time.IsZero() {
		ev.Time = m.now()
	}
	for _, r := range m.recorders {
		r.Record(ctx, ev)
	}
}

// binwifi runs the wifi tool; failures are logged and reported.
func (m *Manager) binwifi(ctx context.Context, args ...string) error {
	_, err := m.run.Run(ctx, runner.Cmd("wifi", args...))
	if err != nil {
		m.log.Warn(ctx, "wifi command failed", logging.Any("args", args), logging.Err(err))
	}
	return err
}

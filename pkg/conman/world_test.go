package conman

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"conman/pkg/experiment"
	"conman/pkg/iface"
	"conman/pkg/iw"
	"conman/pkg/journal"
	"conman/pkg/model"
	"conman/pkg/runner"
	"conman/pkg/runner/runnertest"
	"conman/pkg/status"
)

const (
	showMarvell8897 = `Band: 2.4
RegDomain: US
Interface: wlan0  # 2.4 GHz ap
Channel: 149
BSSID: 00:50:43:02:fe:01
AutoChannel: False
Station List for band: 2.4

Client Interface: wcli0  # 2.4 GHz client
Client BSSID: 00:50:43:02:fe:02

Band: 5
RegDomain: US
Interface: wlan0  # 5 GHz ap
Channel: 149
BSSID: 00:50:43:02:fe:01
AutoChannel: False
Station List for band: 5

Client Interface: wcli0  # 5 GHz client
Client BSSID: 00:50:43:02:fe:02
`
	showMarvell8897No5GHz = `Band: 2.4
RegDomain: 00
Interface: wlan0  # 2.4 GHz ap
Client Interface: wcli0  # 2.4 GHz client
Client BSSID: 00:50:43:02:fe:02

Band: 5
RegDomain: 00
`
	showAth9kAth10k = `Band: 2.4
Interface: wlan0  # 2.4 GHz ap
Client Interface: wcli0  # 2.4 GHz client

Band: 5
Interface: wlan1  # 5 GHz ap
Client Interface: wcli1  # 5 GHz client
`

	scanDefault = `BSS 00:11:22:33:44:55(on wcli0)
	freq: 2412
	SSID: s1
BSS 66:77:88:99:aa:bb(on wcli0)
	freq: 2437
	SSID: s1
BSS 01:23:45:67:89:ab(on wcli0)
	SSID: s2
`
	scanHidden = `BSS ff:ee:dd:cc:bb:aa(on wcli0)
	Vendor specific: OUI f4:f5:e8, data: 01
	Vendor specific: OUI f4:f5:e8, data: 03 73 33
`

	mocaNodeUp   = `{"NodeId": 1, "RxNBAS": 25}`
	mocaNodeDown = `{"NodeId": 1, "RxNBAS": 0}`

	testHostname = "gfiber"
)

var (
	s2BSS = model.BssInfo{BSSID: "01:23:45:67:89:ab", SSID: "s2"}
	s3BSS = model.BssInfo{BSSID: "ff:ee:dd:cc:bb:aa", SSID: "s3"}
)

// fakeRadio is one client interface as the wifi tools see it.
type fakeRadio struct {
	name     string
	bands    []string
	attached bool   // a supplicant is running
	ssid     string // associated network, "" while scanning
	secure   bool
	band     string // band the client was started on
}

// world is a fake gateway: it answers every program the manager runs and
// plays the parts of ifplugd and the DHCP client by writing the files they
// would write.
type world struct {
	t      *testing.T
	dir    string
	fake   *runnertest.Fake
	routes *runnertest.RouteTable
	now    time.Time
	exp    *experiment.Static
	events *journal.Memory

	show        string
	radios      []*fakeRadio
	ethernet    bool   // carrier on eth0 at startup
	bridgeCheck string // succeed, restricted or fail
	addrs       map[string]string
	scans       map[string]string // iw scan output per interface
	aps         map[string]bool
	unreachable map[string]bool // association fails
	absent      map[string]bool // supplicant starts but never associates
	dhcpFailure map[string]bool
	s2Fail      bool
	uploads     int
}

func newWorld(t *testing.T, show string) *world {
	t.Helper()
	w := &world{
		t:           t,
		dir:         t.TempDir(),
		fake:        runnertest.New(),
		routes:      &runnertest.RouteTable{},
		now:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		exp:         experiment.NewStatic(),
		events:      &journal.Memory{},
		show:        show,
		ethernet:    true,
		bridgeCheck: "succeed",
		addrs:       map[string]string{},
		scans:       map[string]string{},
		aps:         map[string]bool{},
		unreachable: map[string]bool{},
		absent:      map[string]bool{},
		dhcpFailure: map[string]bool{},
	}
	for _, ci := range iw.ClientInterfaces(show, nil) {
		w.radios = append(w.radios, &fakeRadio{name: ci.Name, bands: ci.Bands})
	}
	if err := os.MkdirAll(w.configDir(), 0o755); err != nil {
		t.Fatal(err)
	}

	w.fake.Handle("ip", w.ip)
	w.fake.Handle("timeout", w.connectionCheck)
	w.fake.Handle("wpa_cli", w.wpaCLI)
	w.fake.Handle("wifi", w.wifi)
	w.fake.Handle("env", w.env)
	w.fake.Handle("iw", func(c runner.Command) ([]byte, error) {
		// iw dev NAME scan
		return []byte(w.scans[c.Args[1]]), nil
	})
	w.fake.Handle("ifplugd.action", func(c runner.Command) ([]byte, error) {
		w.ifplugdAction(c.Args[0], c.Args[1] == "up")
		return nil, nil
	})
	w.fake.Handle("upload-logs-and-wait", func(runner.Command) ([]byte, error) {
		w.uploads++
		return nil, nil
	})
	return w
}

func (w *world) configDir() string { return filepath.Join(w.dir, "config") }
func (w *world) tmpDir() string    { return filepath.Join(w.dir, "tmp") }
func (w *world) mocaDir() string   { return filepath.Join(w.dir, "moca") }
func (w *world) hostsFile() string { return filepath.Join(w.dir, "hosts") }

func (w *world) options() Options {
	return Options{
		ConfigDir:             w.configDir(),
		TmpDir:                w.tmpDir(),
		MoCATmpDir:            w.mocaDir(),
		HostsFile:             w.hostsFile(),
		Hostname:              testHostname,
		DeviceID:              "device-1",
		InterfaceUpdatePeriod: 5,
		ScanPeriod:            15 * time.Second,
		DHCPWait:              5 * time.Second,
		BSSIDCycleLength:      10 * time.Second,
		WLANRetry:             30 * time.Second,
	}
}

func (w *world) start(extra ...Option) *Manager {
	w.t.Helper()
	opts := append([]Option{
		WithRunner(w.fake),
		WithClock(func() time.Time { return w.now }),
		WithExperiments(w.exp),
		WithRecorder(w.events),
	}, extra...)
	m, err := New(context.Background(), w.options(), opts...)
	if err != nil {
		w.t.Fatalf("New: %v", err)
	}
	return m
}

// tick advances the clock by one second and runs the manager once.
func (w *world) tick(m *Manager) {
	w.now = w.now.Add(time.Second)
	m.RunOnce(context.Background())
}

func (w *world) runUntilInterfaceUpdate(m *Manager) {
	w.t.Helper()
	for i := 0; m.updateCounter == 0; i++ {
		if i > 100 {
			w.t.Fatal("no interface update")
		}
		w.tick(m)
	}
	for i := 0; m.updateCounter != 0; i++ {
		if i > 100 {
			w.t.Fatal("no interface update")
		}
		w.tick(m)
	}
}

func (w *world) scanCount(name string) int { return w.fake.Count("iw", "dev", name, "scan") }

func (w *world) runUntilScan(m *Manager, name string) {
	w.t.Helper()
	n := w.scanCount(name)
	for i := 0; w.scanCount(name) == n; i++ {
		if i > 100 {
			w.t.Fatalf("%s never scanned", name)
		}
		w.tick(m)
	}
}

func (w *world) runUntil(m *Manager, what string, done func() bool) {
	w.t.Helper()
	for i := 0; !done(); i++ {
		if i > 100 {
			w.t.Fatalf("gave up waiting for %s", what)
		}
		w.tick(m)
	}
}

func (w *world) writeFile(path, content string) {
	w.t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		w.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		w.t.Fatal(err)
	}
}

func (w *world) remove(path string) {
	w.t.Helper()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.t.Fatal(err)
	}
}

func wlanCommand(band, ssid, psk string) string {
	return strings.Join([]string{"env", "WIFI_PSK=" + psk, "wifi", "set", "-b", band, "--ssid", ssid}, "\n")
}

func (w *world) configFile(band string) string { return filepath.Join(w.configDir(), commandPrefix+band) }

func (w *world) writeConfig(band, ssid, psk string) {
	w.writeFile(w.configFile(band), wlanCommand(band, ssid, psk))
}

// writeConfigAtomic writes the file the way the management layer does:
// to a temporary name, then renamed into place.
func (w *world) writeConfigAtomic(band, ssid, psk string) {
	w.t.Helper()
	tmp := w.configFile(band) + ".tmp"
	w.writeFile(tmp, wlanCommand(band, ssid, psk))
	if err := os.Rename(tmp, w.configFile(band)); err != nil {
		w.t.Fatal(err)
	}
}

func (w *world) deleteConfig(band string) { w.remove(w.configFile(band)) }

func (w *world) enableAP(band string) {
	w.writeFile(filepath.Join(w.configDir(), accessPointPrefix+band), "")
}

func (w *world) disableAP(band string) {
	w.remove(filepath.Join(w.configDir(), accessPointPrefix+band))
}

func (w *world) setEthernet(up bool) { w.ifplugdAction("eth0", up) }

func (w *world) setMoCA(up bool) {
	content := mocaNodeDown
	if up {
		content = mocaNodeUp
	}
	w.writeFile(filepath.Join(w.mocaDir(), "node1"), content)
}

// ifplugdAction writes the interface status file and, when the link came up,
// the gateway file the DHCP client would write.
func (w *world) ifplugdAction(name string, up bool) {
	value := "0"
	if up {
		value = "1"
	}
	w.writeFile(filepath.Join(w.tmpDir(), "interfaces", name), value)
	if !up {
		return
	}
	if name == "eth0" || name == "moca0" {
		name = BridgeName
	}
	w.writeFile(filepath.Join(w.tmpDir(), gatewayPrefix+name), "192.168.1.1")
}

func (w *world) radio(name string) *fakeRadio {
	for _, r := range w.radios {
		if r.name == name {
			return r
		}
	}
	return nil
}

func (w *world) radioForBand(band string) *fakeRadio {
	for _, r := range w.radios {
		if slices.Contains(r.bands, band) {
			return r
		}
	}
	return nil
}

// alreadyJoined starts the test with name associated to a secured network.
func (w *world) alreadyJoined(name, band, ssid string) {
	r := w.radio(name)
	r.attached, r.ssid, r.secure, r.band = true, ssid, true, band
	w.writeFile(filepath.Join(w.tmpDir(), gatewayPrefix+name), "192.168.1.1")
}

func (w *world) ip(c runner.Command) ([]byte, error) {
	switch c.Args[0] {
	case "route":
		return w.routes.IPRoute(c.Args[1:])
	case "addr":
		name := c.Args[len(c.Args)-1]
		ip, ok := w.addrs[name]
		if !ok {
			return []byte(fmt.Sprintf("3: %s: <BROADCAST,MULTICAST,UP> mtu 1500\n", name)), nil
		}
		return []byte(fmt.Sprintf("3: %s: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500\n    inet %s/24 brd 192.168.1.255 scope global %s\n", name, ip, name)), nil
	case "link":
		out := "1: lo: <LOOPBACK,UP,LOWER_UP> mtu 65536\n"
		if w.ethernet {
			out += "2: eth0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500\n"
		} else {
			out += "2: eth0: <NO-CARRIER,BROADCAST,MULTICAST,UP> mtu 1500\n"
		}
		return []byte(out), nil
	}
	return nil, fmt.Errorf("ip: unsupported %v", c.Args)
}

func (w *world) ssidCheck(ssid string) string {
	switch ssid {
	case "":
		return "fail"
	case "s1":
		return "fail"
	case "s2":
		if w.s2Fail {
			return "fail"
		}
		return "succeed"
	case "s3":
		return "restricted"
	}
	return "succeed"
}

// connectionCheck answers `timeout SECS connection_check -I NAME [-a]`.
func (w *world) connectionCheck(c runner.Command) ([]byte, error) {
	name := c.Args[3]
	acs := len(c.Args) > 4 && c.Args[4] == "-a"
	result := w.bridgeCheck
	if r := w.radio(name); r != nil {
		result = w.ssidCheck(r.ssid)
	}
	switch result {
	case "succeed":
		return nil, nil
	case "restricted":
		if acs {
			return nil, nil
		}
	}
	return nil, errors.New("exit status 1")
}

func argAfter(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func (w *world) wpaCLI(c runner.Command) ([]byte, error) {
	name := argAfter(c.Args, "-i")
	r := w.radio(name)
	if r == nil || !r.attached {
		return nil, fmt.Errorf("Failed to connect to non-global ctrl_ifname: %s", name)
	}
	if r.ssid == "" {
		return []byte("wpa_state=SCANNING\n"), nil
	}
	keyMgmt := "NONE"
	if r.secure {
		keyMgmt = "WPA2-PSK"
	}
	return []byte(fmt.Sprintf("ssid=%s\nwpa_state=COMPLETED\nkey_mgmt=%s\n", r.ssid, keyMgmt)), nil
}

func (w *world) wifi(c runner.Command) ([]byte, error) {
	band := argAfter(c.Args, "--band")
	switch c.Args[0] {
	case "show":
		return []byte(w.show), nil
	case "setclient":
		return w.setClient(c, band)
	case "stop":
		w.stopClient(band)
		w.aps[band] = false
	case "stopclient":
		w.stopClient(band)
	case "stopap":
		w.aps[band] = false
	case "set":
		w.aps[argAfter(c.Args, "-b")] = true
	default:
		return nil, fmt.Errorf("wifi: unsupported %v", c.Args)
	}
	return nil, nil
}

// env runs the AP command: `env KEY=VALUE... wifi set ...`.
func (w *world) env(c runner.Command) ([]byte, error) {
	args := c.Args
	for len(args) > 0 && strings.Contains(args[0], "=") {
		args = args[1:]
	}
	if len(args) == 0 || args[0] != "wifi" {
		return nil, fmt.Errorf("env: unsupported %v", c.Args)
	}
	return w.wifi(runner.Cmd("wifi", args[1:]...))
}

func (w *world) setClient(c runner.Command, band string) ([]byte, error) {
	ssid := argAfter(c.Args, "--ssid")
	r := w.radioForBand(band)
	if r == nil {
		return nil, fmt.Errorf("no client interface for band %s", band)
	}
	if w.unreachable[ssid] {
		return nil, errors.New("exit status 1")
	}
	secure := slices.ContainsFunc(c.Env, func(e string) bool { return strings.HasPrefix(e, "WIFI_CLIENT_PSK=") })
	r.attached, r.secure, r.band = true, secure, band
	r.ssid = ssid
	if w.absent[ssid] {
		r.ssid = ""
		return nil, nil
	}
	if !w.dhcpFailure[ssid] {
		w.writeFile(filepath.Join(w.tmpDir(), gatewayPrefix+r.name), "192.168.1.1")
	}
	return nil, nil
}

// stopClient only affects the radio when its client runs on band.
func (w *world) stopClient(band string) {
	r := w.radioForBand(band)
	if r == nil || !r.attached || r.band != band {
		return
	}
	r.attached, r.ssid, r.secure, r.band = false, "", false, ""
	w.remove(filepath.Join(w.tmpDir(), gatewayPrefix+r.name))
}

// wifiStops returns the stop, stopclient and stopap commands run so far.
func (w *world) wifiStops() []string {
	var out []string
	for _, c := range w.fake.Calls() {
		if c.Name == "wifi" && len(c.Args) > 0 && strings.HasPrefix(c.Args[0], "stop") {
			out = append(out, strings.Join(c.Args, " "))
		}
	}
	return out
}

func (w *world) setclients(ssid string) int {
	return w.fake.Count("wifi", "setclient", "--ssid", ssid)
}

func (w *world) hosts() string {
	w.t.Helper()
	data, err := os.ReadFile(w.hostsFile())
	if err != nil {
		w.t.Fatalf("read hosts: %v", err)
	}
	return string(data)
}

func hasStatus(m *Manager, ps ...status.P) bool {
	for _, p := range ps {
		if _, err := os.Stat(filepath.Join(m.Status().Path(), string(p))); err != nil {
			return false
		}
	}
	return true
}

// prioritized reports whether i has a default route at its normal metric.
func prioritized(i iface.Interface) bool {
	r, ok := i.CurrentRoutes(context.Background())[iface.RouteDefault]
	if !ok {
		return false
	}
	metric, err := strconv.Atoi(r.Metric)
	return err == nil && metric < iface.DeprioritizedOffset
}

package iface

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"conman/pkg/runner"
	"conman/pkg/runner/runnertest"
)

// world is a fake device: a routing table, connection_check results per
// interface and a canned `ip addr` answer.
type world struct {
	fake   *runnertest.Fake
	routes *runnertest.RouteTable
	check  map[string]string // succeed, restricted or fail
	addrs  map[string]string
}

func newWorld() *world {
	w := &world{
		fake:   runnertest.New(),
		routes: &runnertest.RouteTable{},
		check:  map[string]string{},
		addrs:  map[string]string{},
	}
	w.fake.Handle("ip", func(c runner.Command) ([]byte, error) {
		switch c.Args[0] {
		case "route":
			return w.routes.IPRoute(c.Args[1:])
		case "addr":
			name := c.Args[len(c.Args)-1]
			ip, ok := w.addrs[name]
			if !ok {
				return nil, errors.New("Device does not exist")
			}
			return []byte("3: " + name + ": <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500\n    link/ether 00:11:22:33:44:55\n    inet " + ip + "/24 brd 192.168.1.255 scope global " + name + "\n"), nil
		}
		return nil, errors.New("unsupported")
	})
	w.fake.Handle("timeout", func(c runner.Command) ([]byte, error) {
		// timeout SECS connection_check -I NAME [-a]
		name := c.Args[3]
		acs := len(c.Args) > 4 && c.Args[4] == "-a"
		switch w.check[name] {
		case "succeed":
			return nil, nil
		case "restricted":
			if acs {
				return nil, nil
			}
		}
		return nil, errors.New("exit status 1")
	})
	return w
}

func (w *world) opts() Options {
	return Options{Runner: w.fake}
}

func (w *world) probes() int {
	return w.fake.Count("timeout")
}

func (w *world) bridge(t *testing.T) (*Bridge, string) {
	t.Helper()
	autoprov := filepath.Join(t.TempDir(), "acs_autoprovisioning")
	return NewBridge("br0", MetricBridge, BridgeOptions{Options: w.opts(), AutoprovisioningPath: autoprov}), autoprov
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestUnknownBeforeInitialize(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	w.check["br0"] = "succeed"
	b, _ := w.bridge(t)

	b.SetEthernet(ctx, true)
	b.SetGatewayIP(ctx, "192.168.1.1")
	if b.Initialized() {
		t.Fatal("bridge initialized before Initialize")
	}
	if got := b.ACS(ctx); got != Unknown {
		t.Fatalf("ACS before Initialize = %v, want unknown", got)
	}
	if got := b.Internet(ctx); got != Unknown {
		t.Fatalf("Internet before Initialize = %v, want unknown", got)
	}
	if calls := w.fake.Calls(); len(calls) != 0 {
		t.Fatalf("commands ran before Initialize: %v", calls)
	}
}

func TestNoLinksNoProbe(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	w.check["br0"] = "succeed"
	b, _ := w.bridge(t)
	b.Initialize(ctx)
	if !b.Initialized() {
		t.Fatal("Initialize did not mark the bridge initialized")
	}
	b.SetGatewayIP(ctx, "192.168.1.1")

	if b.ACS(ctx) != No || b.Internet(ctx) != No {
		t.Fatalf("ACS/Internet without links = %v/%v, want no/no", b.ACS(ctx), b.Internet(ctx))
	}
	if n := w.probes(); n != 0 {
		t.Fatalf("connection_check ran %d times without links", n)
	}
	if lines := w.routes.Lines(); len(lines) != 0 {
		t.Fatalf("routes programmed without links: %v", lines)
	}
}

func TestScenarioWiredBringUp(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	w.check["br0"] = "succeed"
	b, autoprov := w.bridge(t)
	b.Initialize(ctx)

	if b.ACS(ctx).OK() || b.Internet(ctx).OK() || b.CurrentRoute(ctx) {
		t.Fatalf("bridge without links should have no access and no route")
	}

	b.SetEthernet(ctx, true)
	b.SetGatewayIP(ctx, "192.168.1.1")

	routes := b.CurrentRoutes(ctx)
	def, ok := routes[RouteDefault]
	if !ok || def.Via != "192.168.1.1" || def.Metric != "10" {
		t.Fatalf("default route = %+v (present %v), want via 192.168.1.1 metric 10", def, ok)
	}
	if mc := routes[RouteMulticast]; mc.Dest != MulticastRoute || mc.Metric != "10" {
		t.Fatalf("multicast route = %+v", mc)
	}
	if !b.ACS(ctx).OK() || !b.Internet(ctx).OK() {
		t.Fatalf("ACS/Internet = %v/%v, want yes/yes", b.ACS(ctx), b.Internet(ctx))
	}
	if !exists(autoprov) {
		t.Fatalf("autoprovisioning file missing while prioritized")
	}

	before := w.probes()
	b.ACS(ctx)
	b.Internet(ctx)
	if w.probes() != before {
		t.Fatalf("cached results were re-probed")
	}
}

func TestAddRoutesIdempotent(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	w.check["br0"] = "succeed"
	b, _ := w.bridge(t)
	b.Initialize(ctx)
	b.SetEthernet(ctx, true)
	b.SetSubnet(ctx, "192.168.1.0/24")
	b.SetGatewayIP(ctx, "192.168.1.1")

	w.fake.Reset()
	b.AddRoutes(ctx)
	b.AddRoutes(ctx)
	if n := w.fake.Count("ip", "route", "add") + w.fake.Count("ip", "route", "del"); n != 0 {
		t.Fatalf("unchanged AddRoutes issued %d route changes: %v", n, w.fake.Calls())
	}
	if got := len(b.CurrentRoutes(ctx)); got != 3 {
		t.Fatalf("routes = %v, want subnet, default and multicast", w.routes.Lines())
	}
}

func TestDeprioritizeOnFailedCheck(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	w.check["br0"] = "succeed"
	b, autoprov := w.bridge(t)
	b.Initialize(ctx)
	b.SetEthernet(ctx, true)
	b.SetGatewayIP(ctx, "192.168.1.1")

	w.check["br0"] = "fail"
	b.UpdateRoutes(ctx, true)
	def, ok := b.CurrentRoutes(ctx)[RouteDefault]
	if !ok || def.Metric != "60" {
		t.Fatalf("default route after failed check = %+v (present %v), want metric 60", def, ok)
	}
	if exists(autoprov) {
		t.Fatalf("autoprovisioning file kept after deprioritizing")
	}

	w.check["br0"] = "restricted"
	b.UpdateRoutes(ctx, true)
	if !b.ACS(ctx).OK() || b.Internet(ctx).OK() {
		t.Fatalf("restricted network: ACS/Internet = %v/%v", b.ACS(ctx), b.Internet(ctx))
	}
	if def := b.CurrentRoutes(ctx)[RouteDefault]; def.Metric != "10" {
		t.Fatalf("restricted network should be prioritized, metric = %s", def.Metric)
	}

	b.SetEthernet(ctx, false)
	if len(b.CurrentRoutes(ctx)) != 0 {
		t.Fatalf("routes left after losing all links: %v", w.routes.Lines())
	}
	if exists(autoprov) {
		t.Fatalf("autoprovisioning file kept without routes")
	}
}

func TestLinkFlapWithRemainingLink(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	w.check["br0"] = "succeed"
	b, _ := w.bridge(t)
	b.Initialize(ctx)
	b.SetEthernet(ctx, true)
	b.AddMoCAStation(ctx, 1)
	b.SetGatewayIP(ctx, "192.168.1.1")

	w.fake.Reset()
	b.AddMoCAStation(ctx, 2)
	b.RemoveMoCAStation(ctx, 1)
	if !b.MoCA() {
		t.Fatalf("MoCA down with station 2 still up")
	}
	b.RemoveMoCAStation(ctx, 2)
	if b.MoCA() {
		t.Fatalf("MoCA up with no stations")
	}
	if n := w.fake.Count("ip", "route", "add") + w.fake.Count("ip", "route", "del"); n != 0 {
		t.Fatalf("losing one of two links changed routes: %v", w.fake.Calls())
	}
	if !b.CurrentRoute(ctx) {
		t.Fatalf("default route lost while ethernet is up")
	}
	if got := b.Links(); strings.Join(got, ",") != LinkEthernet {
		t.Fatalf("Links = %v", got)
	}
}

func TestDeleteRoute(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	b, _ := w.bridge(t)
	b.Initialize(ctx)

	if err := b.DeleteRoute(ctx); !errors.Is(err, ErrNoRouteKind) {
		t.Fatalf("DeleteRoute() err = %v, want ErrNoRouteKind", err)
	}
	if err := b.DeleteRoute(ctx, "bogus"); !errors.Is(err, ErrNoRouteKind) {
		t.Fatalf("DeleteRoute(bogus) err = %v, want ErrNoRouteKind", err)
	}

	w.routes.Add("default via 10.0.0.1 dev br0 metric 5")
	w.routes.Add("default via 10.0.0.2 dev br0 metric 7")
	w.routes.Add("default via 10.0.0.3 dev wcli0 metric 20")
	w.routes.Add("10.0.0.0/24 dev br0 proto kernel scope link")
	if err := b.DeleteRoute(ctx, RouteDefault, RouteSubnet); err != nil {
		t.Fatalf("DeleteRoute: %v", err)
	}
	lines := w.routes.Lines()
	if len(lines) != 1 || !strings.Contains(lines[0], "wcli0") {
		t.Fatalf("routes after delete = %v, want only the wcli0 route", lines)
	}
}

func TestCurrentRoutesFiltersDevice(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	b := NewInterface("wcli0", Metric24GHz, w.opts())
	b.Initialize(ctx)
	w.routes.Add("default via 192.168.1.1 dev wcli0 metric 22")
	w.routes.Add("default via 192.168.1.1 dev wcli01 metric 22")
	w.routes.Add("192.168.1.0/24 dev wcli0 metric 22")
	w.routes.Add("239.0.0.0/8 dev wcli0 metric 72")
	w.routes.Add("192.168.1.7 dev wcli0 scope link")

	routes := b.CurrentRoutes(ctx)
	if len(routes) != 3 {
		t.Fatalf("routes = %+v, want 3 kinds", routes)
	}
	if routes[RouteMulticast].Metric != "72" || routes[RouteSubnet].Dest != "192.168.1.0/24" {
		t.Fatalf("unexpected parse: %+v", routes)
	}
}

func TestIPAddress(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	b := NewInterface("wcli0", Metric24GHz, w.opts())
	if got := b.IPAddress(ctx); got != "" {
		t.Fatalf("IPAddress without device = %q", got)
	}
	w.addrs["wcli0"] = "192.168.1.100"
	if got := b.IPAddress(ctx); got != "192.168.1.100" {
		t.Fatalf("IPAddress = %q", got)
	}
}

func TestSimulatedOutage(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	w.check["br0"] = "succeed"
	cwmp := t.TempDir()
	enabled := true
	b := NewBridge("br0", MetricBridge, BridgeOptions{
		Options:          w.opts(),
		CWMPDir:          cwmp,
		SimulateWireless: func() bool { return enabled },
		MaxACSFailure:    60 * time.Second,
	})

	now := time.Now()
	touch := func(name string, mtime time.Time) {
		p := filepath.Join(cwmp, name)
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	touch("acscontact", now)
	touch("acsconnected", now.Add(-30*time.Second))

	b.Initialize(ctx)
	b.SetEthernet(ctx, true)
	b.SetGatewayIP(ctx, "192.168.1.1")
	if b.ACS(ctx).OK() || b.Internet(ctx).OK() {
		t.Fatalf("simulated outage should fail the bridge checks")
	}
	if n := w.probes(); n != 0 {
		t.Fatalf("connection_check ran during simulated outage")
	}

	touch("acsconnected", now.Add(-2*time.Minute))
	b.UpdateRoutes(ctx, true)
	if !b.ACS(ctx).OK() {
		t.Fatalf("outage longer than the threshold should run the real check")
	}

	touch("acsconnected", now.Add(-30*time.Second))
	enabled = false
	b.UpdateRoutes(ctx, true)
	if !b.ACS(ctx).OK() {
		t.Fatalf("disabled experiment should run the real check")
	}
}

func TestWifiStatus(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	status := ""
	w.fake.Handle("wpa_cli", func(c runner.Command) ([]byte, error) {
		if status == "" {
			return nil, errors.New("Failed to connect to non-global ctrl_ifname")
		}
		return []byte(status), nil
	})
	wifi := NewWifi("wcli0", WifiMetric([]string{"2.4", "5"}), WifiOptions{Options: w.opts(), Bands: []string{"2.4", "5"}, WPAControlDir: "/var/run/wpa_supplicant"})
	wifi.Initialize(ctx)

	if wifi.Metric() != Metric24GHz5GHz {
		t.Fatalf("dual-band metric = %d", wifi.Metric())
	}
	if wifi.Attached(ctx) || wifi.WPASupplicant(ctx) {
		t.Fatalf("no supplicant should mean detached and no link")
	}

	status = "bssid=01:23:45:67:89:ab\nssid=s2\nwpa_state=COMPLETED\nkey_mgmt=NONE\n"
	if !wifi.WPASupplicant(ctx) || !wifi.ConnectedToOpen(ctx) || wifi.CurrentSecureSSID(ctx) != "" {
		t.Fatalf("open association misreported")
	}

	status = "ssid=wlan\nwpa_state=COMPLETED\nkey_mgmt=WPA2-PSK\n"
	if wifi.ConnectedToOpen(ctx) || wifi.CurrentSecureSSID(ctx) != "wlan" {
		t.Fatalf("secure association misreported")
	}

	status = "wpa_state=SCANNING\n"
	wifi.Update(ctx)
	if wifi.Up() || !wifi.Attached(ctx) {
		t.Fatalf("scanning supplicant: Up=%v Attached=%v", wifi.Up(), wifi.Attached(ctx))
	}

	calls := w.fake.Calls()
	last := calls[len(calls)-1]
	if got := strings.Join(last.Args, " "); got != "-p /var/run/wpa_supplicant -i wcli0 status" {
		t.Fatalf("wpa_cli args = %q", got)
	}
}

func TestFrenzyWifiStatus(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	mode, ssid, auth := "AP", "", ""
	w.fake.Handle("qcsapi", func(c runner.Command) ([]byte, error) {
		switch c.Args[0] {
		case "get_mode":
			return []byte(mode + "\n"), nil
		case "get_ssid":
			return []byte(ssid + "\n"), nil
		case "ssid_get_authentication_mode":
			return []byte(auth + "\n"), nil
		}
		return nil, errors.New("unknown call")
	})
	wifi := NewFrenzyWifi("wcli1", Metric5GHz, WifiOptions{Options: w.opts(), Bands: []string{"5"}})
	wifi.Initialize(ctx)
	if !wifi.Frenzy() || !wifi.HasBand("5") || wifi.HasBand("2.4") {
		t.Fatalf("frenzy radio misconfigured")
	}

	if wifi.WPASupplicant(ctx) {
		t.Fatalf("AP mode should not count as associated")
	}
	mode, ssid = "Station", "s3"
	if !wifi.WPASupplicant(ctx) || !wifi.ConnectedToOpen(ctx) {
		t.Fatalf("station with empty auth mode should be an open association")
	}
	auth = "PSKAuthentication"
	if got := wifi.CurrentSecureSSID(ctx); got != "s3" {
		t.Fatalf("CurrentSecureSSID = %q", got)
	}
}

func TestWifiRoamRechecks(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	status := "ssid=s3\nwpa_state=COMPLETED\nkey_mgmt=NONE\n"
	w.fake.Handle("wpa_cli", func(c runner.Command) ([]byte, error) {
		return []byte(status), nil
	})
	w.check["wcli0"] = "restricted"
	wifi := NewWifi("wcli0", Metric5GHz, WifiOptions{Options: w.opts(), Bands: []string{"5"}})
	wifi.Initialize(ctx)
	wifi.SetGatewayIP(ctx, "192.168.1.1")
	wifi.Update(ctx)
	if !wifi.ACS(ctx).OK() || wifi.Internet(ctx).OK() {
		t.Fatalf("restricted network: ACS=%v Internet=%v", wifi.ACS(ctx), wifi.Internet(ctx))
	}

	w.check["wcli0"] = "succeed"
	wifi.Update(ctx)
	if wifi.Internet(ctx).OK() {
		t.Fatalf("same network should keep the cached result")
	}

	status = "ssid=wlan\nwpa_state=COMPLETED\nkey_mgmt=WPA2-PSK\n"
	wifi.Update(ctx)
	if !wifi.Internet(ctx).OK() {
		t.Fatalf("joining a different network should recheck")
	}
}

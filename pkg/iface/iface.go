package iface

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"time"

	"conman/pkg/logging"
	"conman/pkg/runner"
)

// Route metrics.
const (
	MetricBridge        = 10
	Metric5GHz          = 20
	Metric24GHz5GHz     = 21
	Metric24GHz         = 22
	DeprioritizedOffset = 50

	MulticastRoute = "239.0.0.0/8"
)

// Link sources.
const (
	LinkEthernet      = "ethernet"
	LinkMoCA          = "moca"
	LinkWPASupplicant = "wpa_supplicant"
)

// Tri is a cached connection check result.
type Tri int8

const (
	Unknown Tri = iota
	No
	Yes
)

// OK reports whether the check passed.
func (t Tri) OK() bool { return t == Yes }

func (t Tri) String() string {
	switch t {
	case Yes:
		return "yes"
	case No:
		return "no"
	}
	return "unknown"
}

func triOf(ok bool) Tri {
	if ok {
		return Yes
	}
	return No
}

// Interface is what the connection manager needs from any interface.
type Interface interface {
	Name() string
	Links() []string
	Up() bool
	Gateway() string
	Metric() int
	SetGatewayIP(ctx context.Context, ip string)
	SetSubnet(ctx context.Context, subnet string)
	ACS(ctx context.Context) Tri
	Internet(ctx context.Context) Tri
	CurrentRoutes(ctx context.Context) map[RouteKind]Route
	CurrentRoute(ctx context.Context) bool
	IPAddress(ctx context.Context) string
	ExpireConnectionStatusCache()
	UpdateRoutes(ctx context.Context, expireCache bool)
	Initialize(ctx context.Context)
}

// Options are shared by all interface constructors.
type Options struct {
	Runner runner.Runner
	Logger logging.Logger
	// ProbeTimeout bounds connection_check; default 5s.
	ProbeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.Noop()
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	return o
}

// hooks let Bridge and Wifi extend Base without overriding its methods.
type hooks struct {
	// beforeCheck may short-circuit a connection check.
	beforeCheck func(ctx context.Context, acs bool) (Tri, bool)
	afterPrioritize func()
	// beforeDemote runs before routes are deprioritized or deleted.
	beforeDemote func()
}

// Base owns one interface's links, routes and connection check cache.
// It is not safe for concurrent use; the connection manager drives it from a
// single goroutine.
type Base struct {
	name   string
	run    runner.Runner
	log    logging.Logger
	probe  time.Duration
	hooks  hooks
	links  map[string]struct{}
	gw     string
	subnet string

	baseMetric   int
	metricOffset int

	hasACS      Tri
	hasInternet Tri
	initialized bool
}

func newBase(name string, baseMetric int, opts Options) *Base {
	opts = opts.withDefaults()
	return &Base{
		name:       name,
		run:        opts.Runner,
		log:        opts.Logger.With(logging.String("iface", name)),
		probe:      opts.ProbeTimeout,
		links:      map[string]struct{}{},
		baseMetric: baseMetric,
	}
}

// NewInterface returns a plain interface with no link sources of its own.
func NewInterface(name string, baseMetric int, opts Options) *Base {
	return newBase(name, baseMetric, opts)
}

func (b *Base) Name() string    { return b.name }
func (b *Base) Gateway() string { return b.gw }
func (b *Base) Subnet() string  { return b.subnet }
func (b *Base) Up() bool        { return len(b.links) > 0 }
func (b *Base) Metric() int     { return b.baseMetric + b.metricOffset }

// Initialized reports whether Initialize has been called.
func (b *Base) Initialized() bool { return b.initialized }

// Links returns the link sources currently up, sorted.
func (b *Base) Links() []string {
	out := make([]string, 0, len(b.links))
	for l := range b.links {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// HasLink reports whether link is currently up.
func (b *Base) HasLink(link string) bool {
	_, ok := b.links[link]
	return ok
}

func (b *Base) SetGatewayIP(ctx context.Context, ip string) {
	b.log.Info(ctx, "new gateway ip", logging.String("gateway", ip))
	b.gw = ip
	b.UpdateRoutes(ctx, true)
}

func (b *Base) SetSubnet(ctx context.Context, subnet string) {
	b.log.Info(ctx, "new subnet", logging.String("subnet", subnet))
	b.subnet = subnet
	b.UpdateRoutes(ctx, true)
}

// ACS reports whether the ACS is reachable through this interface, running
// the check at most once per cache lifetime.
func (b *Base) ACS(ctx context.Context) Tri {
	if b.hasACS == Unknown {
		b.hasACS = b.connectionCheck(ctx, true)
	}
	return b.hasACS
}

// Internet reports whether the internet is reachable through this interface.
func (b *Base) Internet(ctx context.Context) Tri {
	if b.hasInternet == Unknown {
		b.hasInternet = b.connectionCheck(ctx, false)
	}
	return b.hasInternet
}

func (b *Base) connectionCheck(ctx context.Context, acs bool) Tri {
	kind := "internet"
	if acs {
		kind = "acs"
	}
	if !b.initialized {
		b.log.Debug(ctx, "not initialized; skipping connection check", logging.String("check", kind))
		return Unknown
	}
	if b.hooks.beforeCheck != nil {
		if t, done := b.hooks.beforeCheck(ctx, acs); done {
			return t
		}
	}
	if len(b.links) == 0 {
		b.log.Info(ctx, "connection check failed: no links", logging.String("check", kind))
		return No
	}
	if b.gw == "" {
		b.log.Info(ctx, "connection check failed: no gateway", logging.String("check", kind))
		return No
	}
	b.AddRoutes(ctx)
	if _, ok := b.CurrentRoutes(ctx)[RouteDefault]; !ok {
		return No
	}

	secs := int(b.probe / time.Second)
	if secs < 1 {
		secs = 1
	}
	args := []string{strconv.Itoa(secs), "connection_check", "-I", b.name}
	if acs {
		args = append(args, "-a")
	}
	_, err := b.run.Run(ctx, runner.Cmd("timeout", args...))
	b.log.Info(ctx, "connection check", logging.String("check", kind), logging.Bool("passed", err == nil))
	return triOf(err == nil)
}

// ExpireConnectionStatusCache forgets both cached check results.
func (b *Base) ExpireConnectionStatusCache() {
	b.hasACS, b.hasInternet = Unknown, Unknown
}

// setLinkStatus is the primitive every link setter goes through.
func (b *Base) setLinkStatus(ctx context.Context, link string, up bool) {
	if _, has := b.links[link]; has == up {
		return
	}
	hadLinks := len(b.links) > 0
	if up {
		b.log.Info(ctx, "gained link", logging.String("link", link))
		b.links[link] = struct{}{}
	} else {
		b.log.Info(ctx, "lost link", logging.String("link", link))
		delete(b.links, link)
	}

	// Losing a link can only lose access and gaining one can only gain it.
	if triOf(up) != b.hasACS {
		b.hasACS = Unknown
	}
	if triOf(up) != b.hasInternet {
		b.hasInternet = Unknown
	}
	if hadLinks != (len(b.links) > 0) {
		b.UpdateRoutes(ctx, false)
	}
}

// UpdateRoutes prioritizes routes when the interface has ACS or internet
// access, deprioritizes them while a link remains, and deletes them
// otherwise.
func (b *Base) UpdateRoutes(ctx context.Context, expireCache bool) {
	if expireCache {
		b.ExpireConnectionStatusCache()
	}
	if b.ACS(ctx).OK() || b.Internet(ctx).OK() {
		b.prioritizeRoutes(ctx)
		return
	}
	if len(b.links) > 0 {
		b.deprioritizeRoutes(ctx)
		return
	}
	_ = b.DeleteRoute(ctx, RouteDefault, RouteSubnet, RouteMulticast)
}

func (b *Base) prioritizeRoutes(ctx context.Context) {
	if !b.initialized {
		return
	}
	b.log.Debug(ctx, "routes have normal priority")
	b.metricOffset = 0
	b.AddRoutes(ctx)
	if b.hooks.afterPrioritize != nil {
		b.hooks.afterPrioritize()
	}
}

func (b *Base) deprioritizeRoutes(ctx context.Context) {
	if !b.initialized {
		return
	}
	if b.hooks.beforeDemote != nil {
		b.hooks.beforeDemote()
	}
	b.log.Debug(ctx, "routes have low priority")
	b.metricOffset = DeprioritizedOffset
	b.AddRoutes(ctx)
}

// Initialize marks the interface as having its initial state. Until then it
// never touches the routing table or runs connection checks.
func (b *Base) Initialize(ctx context.Context) {
	b.initialized = true
	b.UpdateRoutes(ctx, true)
}

var inetRe = regexp.MustCompile(`(?m)^\s*inet (\d+\.\d+\.\d+\.\d+)`)

// IPAddress returns the interface's first IPv4 address, or "".
func (b *Base) IPAddress(ctx context.Context) string {
	out, err := b.run.Run(ctx, runner.Cmd("ip", "addr", "show", "dev", b.name))
	if err != nil {
		b.log.Warn(ctx, "could not get ip address", logging.Err(err))
		return ""
	}
	m := inetRe.FindSubmatch(out)
	if m == nil {
		return ""
	}
	return string(m[1])
}

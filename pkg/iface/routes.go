package iface

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"conman/pkg/logging"
	"conman/pkg/runner"
)

// RouteKind names one of the routes an interface programs.
type RouteKind string

const (
	RouteDefault   RouteKind = "default"
	RouteSubnet    RouteKind = "subnet"
	RouteMulticast RouteKind = "multicast"
)

// deletion order: default routes depend on the subnet route.
var routeKinds = []RouteKind{RouteDefault, RouteSubnet, RouteMulticast}

// ErrNoRouteKind is returned by DeleteRoute when no recognized kind is given.
var ErrNoRouteKind = errors.New("must specify at least one of default, subnet, multicast")

// Route is one parsed `ip route` entry.
type Route struct {
	Dest   string
	Via    string
	Metric string
}

var cidrSuffix = regexp.MustCompile(`/\d{1,2}$`)

// CurrentRoutes reads the routing table entries for this interface.
func (b *Base) CurrentRoutes(ctx context.Context) map[RouteKind]Route {
	result := map[RouteKind]Route{}
	for _, line := range strings.Split(b.ipRoute(ctx), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || !onDev(fields, b.name) {
			continue
		}
		var kind RouteKind
		switch {
		case fields[0] == "default":
			kind = RouteDefault
		case fields[0] == MulticastRoute:
			kind = RouteMulticast
		case cidrSuffix.MatchString(fields[0]):
			kind = RouteSubnet
		default:
			continue
		}
		r := Route{Dest: fields[0]}
		for i := 1; i+1 < len(fields); i++ {
			switch fields[i] {
			case "via":
				r.Via = fields[i+1]
			case "metric":
				r.Metric = fields[i+1]
			}
		}
		result[kind] = r
	}
	return result
}

// CurrentRoute reports whether a default route through this interface exists.
func (b *Base) CurrentRoute(ctx context.Context) bool {
	_, ok := b.CurrentRoutes(ctx)[RouteDefault]
	return ok
}

func onDev(fields []string, name string) bool {
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "dev" && fields[i+1] == name {
			return true
		}
	}
	return false
}

// AddRoutes reconciles the subnet, default and multicast routes with the
// desired state at the current metric. Routes that already match are left
// alone; a mismatched route is deleted before it is re-added.
func (b *Base) AddRoutes(ctx context.Context) {
	metric := strconv.Itoa(b.Metric())
	current := b.CurrentRoutes(ctx)

	type pending struct {
		kind RouteKind
		args []string
	}
	var toAdd []pending

	if b.subnet != "" {
		if r, ok := current[RouteSubnet]; !ok || r.Dest != b.subnet || r.Metric != metric {
			toAdd = append(toAdd, pending{RouteSubnet, []string{"add", b.subnet, "dev", b.name, "metric", metric}})
		}
	} else if _, ok := current[RouteSubnet]; ok {
		_ = b.DeleteRoute(ctx, RouteSubnet)
	}

	if b.gw != "" {
		if r, ok := current[RouteDefault]; !ok || r.Via != b.gw || r.Metric != metric {
			toAdd = append(toAdd, pending{RouteDefault, []string{"add", "default", "via", b.gw, "dev", b.name, "metric", metric}})
		}
	} else if _, ok := current[RouteDefault]; ok {
		_ = b.DeleteRoute(ctx, RouteDefault)
	}

	if r, ok := current[RouteMulticast]; !ok || r.Metric != metric {
		toAdd = append(toAdd, pending{RouteMulticast, []string{"add", MulticastRoute, "dev", b.name, "metric", metric}})
	}

	for i := len(toAdd) - 1; i >= 0; i-- {
		if _, ok := current[toAdd[i].kind]; ok {
			_ = b.DeleteRoute(ctx, toAdd[i].kind)
		}
	}
	for _, p := range toAdd {
		b.log.Debug(ctx, "adding route", logging.String("kind", string(p.kind)))
		b.ipRoute(ctx, p.args...)
	}
}

// DeleteRoute removes every route of the given kinds from this interface.
func (b *Base) DeleteRoute(ctx context.Context, kinds ...RouteKind) error {
	want := map[RouteKind]bool{}
	for _, k := range kinds {
		switch k {
		case RouteDefault, RouteSubnet, RouteMulticast:
			want[k] = true
		}
	}
	if len(want) == 0 {
		return fmt.Errorf("delete route %v: %w", kinds, ErrNoRouteKind)
	}
	if b.hooks.beforeDemote != nil {
		b.hooks.beforeDemote()
	}

	for _, k := range routeKinds {
		if !want[k] {
			continue
		}
		for {
			r, ok := b.CurrentRoutes(ctx)[k]
			if !ok {
				break
			}
			b.log.Debug(ctx, "deleting route", logging.String("kind", string(k)))
			if _, err := b.ipRouteErr(ctx, "del", r.Dest, "dev", b.name); err != nil {
				break
			}
		}
	}
	return nil
}

func (b *Base) ipRoute(ctx context.Context, args ...string) string {
	out, _ := b.ipRouteErr(ctx, args...)
	return out
}

func (b *Base) ipRouteErr(ctx context.Context, args ...string) (string, error) {
	if !b.initialized {
		b.log.Debug(ctx, "not initialized; not running ip route", logging.Any("args", args))
		return "", nil
	}
	out, err := b.run.Run(ctx, runner.Cmd("ip", append([]string{"route"}, args...)...))
	if err != nil {
		b.log.Error(ctx, "ip route failed", logging.Any("args", args), logging.Err(err))
		return "", err
	}
	return string(out), nil
}

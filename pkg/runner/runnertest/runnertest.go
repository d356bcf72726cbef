// Package runnertest provides a scriptable runner.Runner and an in-memory
// `ip route` table for tests.
package runnertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"conman/pkg/runner"
)

// HandlerFunc answers one command.
type HandlerFunc func(c runner.Command) ([]byte, error)

// Fake dispatches commands to handlers keyed by program name and records
// every call.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	calls    []runner.Command
}

func New() *Fake {
	return &Fake{handlers: map[string]HandlerFunc{}}
}

// Handle registers h for program name, replacing any previous handler.
func (f *Fake) Handle(name string, h HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
}

func (f *Fake) Run(_ context.Context, c runner.Command) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	h := f.handlers[c.Name]
	f.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("%s: executable file not found", c.Name)
	}
	return h(c)
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []runner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.Command(nil), f.calls...)
}

// Count returns how many recorded calls have the given prefix, e.g.
// Count("ip", "route", "add").
func (f *Fake) Count(name string, argPrefix ...string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Name == name && hasPrefix(c.Args, argPrefix) {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func hasPrefix(args, prefix []string) bool {
	if len(prefix) > len(args) {
		return false
	}
	for i := range prefix {
		if args[i] != prefix[i] {
			return false
		}
	}
	return true
}

// RouteTable simulates the kernel routing table as seen through `ip route`.
type RouteTable struct {
	mu     sync.Mutex
	routes [][]string
}

var errNoRoute = errors.New("RTNETLINK answers: No such process")

// IPRoute handles the arguments following `ip route`.
func (t *RouteTable) IPRoute(args []string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(args) == 0 || args[0] == "show" {
		var b strings.Builder
		for _, r := range t.routes {
			b.WriteString(strings.Join(r, " "))
			b.WriteString("\n")
		}
		return []byte(b.String()), nil
	}
	switch args[0] {
	case "add":
		route := append([]string(nil), args[1:]...)
		for _, r := range t.routes {
			if strings.Join(r, " ") == strings.Join(route, " ") {
				return nil, errors.New("RTNETLINK answers: File exists")
			}
		}
		t.routes = append(t.routes, route)
		return nil, nil
	case "del":
		if len(args) < 2 {
			return nil, errNoRoute
		}
		dest, dev := args[1], devOf(args)
		for i, r := range t.routes {
			if r[0] == dest && (dev == "" || devOf(r) == dev) {
				t.routes = append(t.routes[:i], t.routes[i+1:]...)
				return nil, nil
			}
		}
		return nil, errNoRoute
	}
	return nil, fmt.Errorf("ip route: unsupported %v", args)
}

// Lines returns the table as `ip route` would print it.
func (t *RouteTable) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, strings.Join(r, " "))
	}
	return out
}

// Add inserts a raw route line, e.g. a stale entry left by another process.
func (t *RouteTable) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, strings.Fields(line))
}

func devOf(fields []string) string {
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "dev" {
			return fields[i+1]
		}
	}
	return ""
}

package iw

import (
	"context"
	"sort"
	"strings"

	"conman/pkg/runner"
)

// ClientInterface is a wireless client interface and the bands it serves.
type ClientInterface struct {
	Name   string
	Bands  []string
	Frenzy bool
}

// ParseWifiShow maps each "Client Interface" in `wifi show` output to the
// bands it appears under.
func ParseWifiShow(out string) map[string][]string {
	result := map[string][]string{}
	band := ""
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		switch {
		case strings.HasPrefix(line, "Band:"):
			band = strings.TrimSpace(strings.TrimPrefix(line, "Band:"))
		case strings.HasPrefix(line, "Client Interface:") && band != "":
			name := strings.TrimSpace(strings.TrimPrefix(line, "Client Interface:"))
			if name != "" && !contains(result[name], band) {
				result[name] = append(result[name], band)
			}
		}
	}
	return result
}

// ClientInterfaces merges `wifi show` output with the Quantenna interface
// list. Quantenna client interfaces (wcli*) are Frenzy radios serving 5 GHz
// only.
func ClientInterfaces(wifiShow string, quantenna []string) []ClientInterface {
	byName := map[string]*ClientInterface{}
	for name, bands := range ParseWifiShow(wifiShow) {
		byName[name] = &ClientInterface{Name: name, Bands: bands}
	}
	for _, name := range quantenna {
		if strings.HasPrefix(name, "wcli") {
			byName[name] = &ClientInterface{Name: name, Bands: []string{"5"}, Frenzy: true}
		}
	}
	out := make([]ClientInterface, 0, len(byName))
	for _, ci := range byName {
		sort.Strings(ci.Bands)
		out = append(out, *ci)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Discover runs `wifi show` and `get-quantenna-interfaces`. A missing
// Quantenna tool means no Quantenna radios.
func Discover(ctx context.Context, r runner.Runner) ([]ClientInterface, error) {
	show, err := r.Run(ctx, runner.Cmd("wifi", "show"))
	if err != nil {
		return nil, err
	}
	var quantenna []string
	if out, err := r.Run(ctx, runner.Cmd("get-quantenna-interfaces")); err == nil {
		quantenna = strings.Fields(string(out))
	}
	return ClientInterfaces(string(show), quantenna), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

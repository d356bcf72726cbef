package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrIncompleteConfig means a WLAN command file could not be parsed, usually
// because it was read mid-write.
var ErrIncompleteConfig = errors.New("incomplete wlan configuration")

// WLANConfiguration is the per-band configuration written by the management
// layer: the AP command file plus the access point marker.
type WLANConfiguration struct {
	Band        string   `json:"band"`
	SSID        string   `json:"ssid"`
	PSK         string   `json:"-"`
	Command     []string `json:"-"`
	AccessPoint bool     `json:"accessPoint"`
}

// ParseWLANCommand parses a newline-separated argv such as
//
//	env
//	WIFI_PSK=secret
//	wifi
//	set
//	-b
//	5
//	--ssid
//	myssid
func ParseWLANCommand(band string, data []byte) (WLANConfiguration, error) {
	var argv []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			argv = append(argv, line)
		}
	}
	cfg := WLANConfiguration{Band: band, Command: argv}
	sawWifi := false
	for i := 0; i < len(argv); i++ {
		switch {
		case strings.HasPrefix(argv[i], "WIFI_PSK="):
			cfg.PSK = strings.TrimPrefix(argv[i], "WIFI_PSK=")
		case argv[i] == "wifi":
			sawWifi = true
		case argv[i] == "--ssid" && i+1 < len(argv):
			i++
			cfg.SSID = argv[i]
		case argv[i] == "-b" && i+1 < len(argv):
			i++
			if argv[i] != band {
				return WLANConfiguration{}, fmt.Errorf("command for band %s names band %s: %w", band, argv[i], ErrIncompleteConfig)
			}
		}
	}
	if !sawWifi || cfg.SSID == "" {
		return WLANConfiguration{}, fmt.Errorf("band %s: %w", band, ErrIncompleteConfig)
	}
	return cfg, nil
}

// SameNetwork reports whether a client joined with c would join the same
// network as one joined with o.
func (c WLANConfiguration) SameNetwork(o WLANConfiguration) bool {
	return c.SSID == o.SSID && c.PSK == o.PSK
}

// SameAccessPoint reports whether the AP commands are identical.
func (c WLANConfiguration) SameAccessPoint(o WLANConfiguration) bool {
	return strings.Join(c.Command, "\x00") == strings.Join(o.Command, "\x00")
}

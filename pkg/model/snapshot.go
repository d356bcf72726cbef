package model

import "time"

// InterfaceStatus is the externally reported view of one interface.
type InterfaceStatus struct {
	Name         string   `json:"name"`
	Links        []string `json:"links,omitempty"`
	Gateway      string   `json:"gateway,omitempty"`
	Metric       int      `json:"metric"`
	DefaultRoute bool     `json:"defaultRoute"`
	ACS          string   `json:"acs"`      // unknown/yes/no
	Internet     string   `json:"internet"` // unknown/yes/no
}

// BandStatus is the externally reported view of one WLAN band.
type BandStatus struct {
	Band           string `json:"band"`
	Interface      string `json:"interface,omitempty"`
	SSID           string `json:"ssid,omitempty"`
	AccessPoint    bool   `json:"accessPoint"`
	APUp           bool   `json:"apUp"`
	ClientUp       bool   `json:"clientUp"`
	LastAttempted  string `json:"lastAttempted,omitempty"`
	LastSuccessful string `json:"lastSuccessful,omitempty"`
}

// Snapshot is the state published after each control loop tick.
type Snapshot struct {
	DeviceID   string            `json:"deviceId"`
	Hostname   string            `json:"hostname"`
	Version    string            `json:"version"`
	Tick       uint64            `json:"tick"`
	ACS        bool              `json:"acs"`
	Internet   bool              `json:"internet"`
	Status     []string          `json:"status"`
	Interfaces []InterfaceStatus `json:"interfaces"`
	Bands      []BandStatus      `json:"bands"`
	Timestamp  time.Time         `json:"timestamp"`
}

package model

import "time"

// Event kinds recorded in the connection journal.
const (
	EventBSSAttempt   = "bss_attempt"
	EventBSSSuccess   = "bss_success"
	EventBSSCleared   = "bss_cleared"
	EventDHCPTimeout  = "dhcp_timeout"
	EventScan         = "scan"
	EventClientStart  = "client_start"
	EventClientStop   = "client_stop"
	EventClientFailed = "client_failed"
	EventAPStart      = "ap_start"
	EventAPStop       = "ap_stop"
	EventLogUpload    = "log_upload"
	EventConfig       = "config"
)

// Event is one notable connection-management action.
type Event struct {
	Kind      string    `json:"kind"`
	Interface string    `json:"interface,omitempty"`
	Band      string    `json:"band,omitempty"`
	BSSID     string    `json:"bssid,omitempty"`
	SSID      string    `json:"ssid,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Time      time.Time `json:"time"`
}

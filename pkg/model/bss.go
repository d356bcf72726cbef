package model

import "fmt"

// BssInfo identifies one access point radio. Equality is by both fields, so
// a BssInfo can key maps and cyclers directly.
type BssInfo struct {
	BSSID string `json:"bssid"`
	SSID  string `json:"ssid"`
}

// IsZero reports whether b is unset.
func (b BssInfo) IsZero() bool { return b == BssInfo{} }

func (b BssInfo) String() string {
	if b.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s(%s)", b.BSSID, b.SSID)
}

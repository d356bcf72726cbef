package iw

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"

	"conman/pkg/cycler"
	"conman/pkg/model"
	"conman/pkg/runner"
)

// VendorOUI marks the provisioning vendor IE.
const VendorOUI = "f4:f5:e8"

// Vendor IE payload types.
const (
	vendorProvisioning = 0x01
	vendorSSID         = 0x03
)

// Candidate priorities.
const (
	PriorityVendorIE = 3
	PriorityOpen     = 1
)

// BSS is one scan result.
type BSS struct {
	model.BssInfo
	Freq     int
	Secure   bool
	VendorIE bool
}

// Band returns "2.4" or "5" for the BSS frequency, or "" when unknown.
func (b BSS) Band() string {
	switch {
	case b.Freq == 0:
		return ""
	case b.Freq < 5000:
		return "2.4"
	default:
		return "5"
	}
}

// Scan runs `iw dev <iface> scan` and parses the result.
func Scan(ctx context.Context, r runner.Runner, iface string) ([]BSS, error) {
	out, err := r.Run(ctx, runner.Cmd("iw", "dev", iface, "scan"))
	if err != nil {
		return nil, err
	}
	return ParseScan(string(out)), nil
}

// ParseScan parses `iw scan` output.
func ParseScan(out string) []BSS {
	var (
		result []BSS
		cur    *BSS
	)
	flush := func() {
		if cur != nil {
			result = append(result, *cur)
		}
	}
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "BSS "):
			flush()
			bssid := strings.TrimPrefix(line, "BSS ")
			if i := strings.IndexAny(bssid, "( "); i >= 0 {
				bssid = bssid[:i]
			}
			cur = &BSS{BssInfo: model.BssInfo{BSSID: bssid}}
		case cur == nil:
		case strings.HasPrefix(line, "SSID:"):
			if ssid := strings.TrimSpace(strings.TrimPrefix(line, "SSID:")); ssid != "" {
				cur.SSID = ssid
			}
		case strings.HasPrefix(line, "freq:"):
			cur.Freq, _ = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "freq:")))
		case strings.HasPrefix(line, "RSN:"), strings.HasPrefix(line, "WPA:"):
			cur.Secure = true
		case strings.HasPrefix(line, "Vendor specific: OUI "+VendorOUI+", data:"):
			parseVendorIE(cur, strings.TrimPrefix(line, "Vendor specific: OUI "+VendorOUI+", data:"))
		}
	}
	flush()
	return result
}

func parseVendorIE(b *BSS, data string) {
	raw, err := hex.DecodeString(strings.ReplaceAll(data, " ", ""))
	if err != nil || len(raw) == 0 {
		return
	}
	switch raw[0] {
	case vendorProvisioning:
		b.VendorIE = true
	case vendorSSID:
		if b.SSID == "" {
			b.SSID = string(raw[1:])
		}
	}
}

// ProvisioningCandidates returns the BSSes worth trying for provisioning on
// band, in scan order: open networks at PriorityOpen and BSSes advertising the
// provisioning IE at PriorityVendorIE. BSSes with no SSID are skipped.
func ProvisioningCandidates(bsses []BSS, band string) []cycler.Item[model.BssInfo] {
	var items []cycler.Item[model.BssInfo]
	seen := map[model.BssInfo]bool{}
	for _, b := range bsses {
		if b.SSID == "" || seen[b.BssInfo] {
			continue
		}
		if band != "" && b.Band() != "" && b.Band() != band {
			continue
		}
		switch {
		case b.VendorIE:
			items = append(items, cycler.Item[model.BssInfo]{Key: b.BssInfo, Priority: PriorityVendorIE})
		case !b.Secure:
			items = append(items, cycler.Item[model.BssInfo]{Key: b.BssInfo, Priority: PriorityOpen})
		default:
			continue
		}
		seen[b.BssInfo] = true
	}
	return items
}

// Package config loads daemon settings. Sources are applied in order:
// built-in defaults, an optional .env file, CONMAN_* environment variables,
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "CONMAN_"

// Config is everything conman needs to start.
type Config struct {
	ConfigDir              string
	TmpDir                 string
	MoCATmpDir             string
	WPAControlDir          string
	CWMPDir                string
	ExperimentsDir         string
	ExperimentsRegistryDir string
	HostsFile              string
	Hostname               string

	TickPeriod            time.Duration
	InterfaceUpdatePeriod int
	ScanPeriod            time.Duration
	DHCPWait              time.Duration
	BSSIDCycleLength      time.Duration
	WLANRetry             time.Duration
	ProbeTimeout          time.Duration
	CommandTimeout        time.Duration
	MaxACSFailure         time.Duration

	JournalPath string
	JournalKeep int
	MetricsAddr string

	ReportURL    string
	ReportSecret string
	DeviceID     string

	ConsulAddr   string
	ConsulToken  string
	ConsulPrefix string

	LogLevel  string
	LogFormat string
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		ConfigDir:              "/config/conman",
		TmpDir:                 "/tmp/conman",
		MoCATmpDir:             "/tmp/cwmp/monitoring/moca2",
		WPAControlDir:          "/var/run/wpa_supplicant",
		CWMPDir:                "/tmp/cwmp",
		ExperimentsDir:         "/config/experiments",
		ExperimentsRegistryDir: "/tmp/experiments",
		HostsFile:              "/tmp/hosts",

		TickPeriod:            time.Second,
		InterfaceUpdatePeriod: 5,
		ScanPeriod:            120 * time.Second,
		DHCPWait:              10 * time.Second,
		BSSIDCycleLength:      30 * time.Second,
		WLANRetry:             120 * time.Second,
		ProbeTimeout:          5 * time.Second,
		CommandTimeout:        30 * time.Second,
		MaxACSFailure:         60 * time.Second,

		JournalPath: "/tmp/conman/journal.db",
		JournalKeep: 5000,

		ConsulPrefix: "conman/experiments",

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load builds a Config from envFile (skipped when absent), the process
// environment and args.
func Load(args []string, envFile string) (Config, error) {
	if err := loadDotEnv(envFile); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg := Default()
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	fs := cfg.FlagSet("conman")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return godotenv.Load(path)
	}
	return nil
}

// ApplyEnv overrides fields from CONMAN_* variables looked up with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		v := getenv(EnvPrefix + key)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = d
	}
	num := func(key string, dst *int) {
		v := getenv(EnvPrefix + key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}

	str("CONFIG_DIR", &c.ConfigDir)
	str("TMP_DIR", &c.TmpDir)
	str("MOCA_TMP_DIR", &c.MoCATmpDir)
	str("WPA_CONTROL_DIR", &c.WPAControlDir)
	str("CWMP_DIR", &c.CWMPDir)
	str("EXPERIMENTS_DIR", &c.ExperimentsDir)
	str("EXPERIMENTS_REGISTRY_DIR", &c.ExperimentsRegistryDir)
	str("HOSTS_FILE", &c.HostsFile)
	str("HOSTNAME", &c.Hostname)

	dur("TICK_PERIOD", &c.TickPeriod)
	num("INTERFACE_UPDATE_PERIOD", &c.InterfaceUpdatePeriod)
	dur("SCAN_PERIOD", &c.ScanPeriod)
	dur("DHCP_WAIT", &c.DHCPWait)
	dur("BSSID_CYCLE_LENGTH", &c.BSSIDCycleLength)
	dur("WLAN_RETRY", &c.WLANRetry)
	dur("PROBE_TIMEOUT", &c.ProbeTimeout)
	dur("COMMAND_TIMEOUT", &c.CommandTimeout)
	dur("MAX_ACS_FAILURE", &c.MaxACSFailure)

	str("JOURNAL_PATH", &c.JournalPath)
	num("JOURNAL_KEEP", &c.JournalKeep)
	str("METRICS_ADDR", &c.MetricsAddr)

	str("REPORT_URL", &c.ReportURL)
	str("REPORT_SECRET", &c.ReportSecret)
	str("DEVICE_ID", &c.DeviceID)

	str("CONSUL_ADDR", &c.ConsulAddr)
	str("CONSUL_TOKEN", &c.ConsulToken)
	str("CONSUL_PREFIX", &c.ConsulPrefix)

	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	return errors.Join(errs...)
}

// FlagSet binds flags to c's fields, using the current values as defaults.
func (c *Config) FlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	fs.StringVar(&c.ConfigDir, "config-dir", c.ConfigDir, "WLAN configuration directory")
	fs.StringVar(&c.TmpDir, "tmp-dir", c.TmpDir, "Runtime directory for interface, gateway and status files")
	fs.StringVar(&c.MoCATmpDir, "moca-tmp-dir", c.MoCATmpDir, "MoCA node status directory")
	fs.StringVar(&c.WPAControlDir, "wpa-control-dir", c.WPAControlDir, "wpa_supplicant control socket directory")
	fs.StringVar(&c.CWMPDir, "cwmp-dir", c.CWMPDir, "Directory holding the ACS session stamps")
	fs.StringVar(&c.ExperimentsDir, "experiments-dir", c.ExperimentsDir, "Directory of enabled experiments")
	fs.StringVar(&c.ExperimentsRegistryDir, "experiments-registry-dir", c.ExperimentsRegistryDir, "Directory where experiments are announced")
	fs.StringVar(&c.HostsFile, "hosts-file", c.HostsFile, "Hosts file to maintain")
	fs.StringVar(&c.Hostname, "hostname", c.Hostname, "Hostname for the hosts file (default: system hostname)")

	fs.DurationVar(&c.TickPeriod, "tick-period", c.TickPeriod, "Control loop period")
	fs.IntVar(&c.InterfaceUpdatePeriod, "interface-update-period", c.InterfaceUpdatePeriod, "Ticks between full route recomputations")
	fs.DurationVar(&c.ScanPeriod, "scan-period", c.ScanPeriod, "Minimum time between provisioning scans")
	fs.DurationVar(&c.DHCPWait, "dhcp-wait", c.DHCPWait, "How long to wait for a lease after associating")
	fs.DurationVar(&c.BSSIDCycleLength, "bssid-cycle-length", c.BSSIDCycleLength, "Cool-down before a BSS is retried")
	fs.DurationVar(&c.WLANRetry, "wlan-retry", c.WLANRetry, "How long a WLAN join may take before provisioning")
	fs.DurationVar(&c.ProbeTimeout, "probe-timeout", c.ProbeTimeout, "connection_check timeout")
	fs.DurationVar(&c.CommandTimeout, "command-timeout", c.CommandTimeout, "Timeout for other external commands")
	fs.DurationVar(&c.MaxACSFailure, "max-acs-failure", c.MaxACSFailure, "ACS failure age after which a simulated outage ends")

	fs.StringVar(&c.JournalPath, "journal", c.JournalPath, "SQLite event journal path (empty disables)")
	fs.IntVar(&c.JournalKeep, "journal-keep", c.JournalKeep, "Events kept in the journal")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Address for /metrics (empty disables)")

	fs.StringVar(&c.ReportURL, "report-url", c.ReportURL, "Controller URL for status reports (empty disables)")
	fs.StringVar(&c.ReportSecret, "report-secret", c.ReportSecret, "HS256 secret for the device token")
	fs.StringVar(&c.DeviceID, "device-id", c.DeviceID, "Device identifier (default: hostname)")

	fs.StringVar(&c.ConsulAddr, "consul-addr", c.ConsulAddr, "Consul address for experiments (consul builds)")
	fs.StringVar(&c.ConsulToken, "consul-token", c.ConsulToken, "Consul ACL token")
	fs.StringVar(&c.ConsulPrefix, "consul-prefix", c.ConsulPrefix, "Consul KV prefix for experiments")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "text or json")
	return fs
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	for name, dir := range map[string]string{"config-dir": c.ConfigDir, "tmp-dir": c.TmpDir, "moca-tmp-dir": c.MoCATmpDir} {
		if dir == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	for name, d := range map[string]time.Duration{
		"tick-period": c.TickPeriod, "dhcp-wait": c.DHCPWait, "bssid-cycle-length": c.BSSIDCycleLength,
		"wlan-retry": c.WLANRetry, "probe-timeout": c.ProbeTimeout, "command-timeout": c.CommandTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.ScanPeriod < 0 {
		errs = append(errs, errors.New("scan-period must not be negative"))
	}
	if c.InterfaceUpdatePeriod < 1 {
		errs = append(errs, errors.New("interface-update-period must be at least 1"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log-format %q: want text or json", c.LogFormat))
	}
	if c.ReportURL != "" && c.ReportSecret == "" {
		errs = append(errs, errors.New("report-secret is required with report-url"))
	}
	return errors.Join(errs...)
}

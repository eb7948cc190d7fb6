package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/rr-dnsproxy/internal/dns/domain"
)

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// Port is the UDP port clients query.
	Port int `koanf:"port" validate:"required,gte=1,lte=65535"`

	// Upstream is "auto" (first nameserver in ResolvConf), "none", or an IPv4 address.
	Upstream     string `koanf:"upstream" validate:"required,upstream"`
	UpstreamPort int    `koanf:"upstream_port" validate:"required,gte=1,lte=65535"`
	ResolvConf   string `koanf:"resolv_conf" validate:"required"`

	// Records are inline "pattern=ipv4" entries, e.g. "*.dev.lan=10.0.0.5".
	Records []string `koanf:"records" validate:"dive,record"`

	// RecordsFile is an optional record file or directory of record files.
	RecordsFile string `koanf:"records_file"`

	// RecordsDB is an optional bbolt database of administratively added records.
	RecordsDB string `koanf:"records_db"`

	PendingTTL      time.Duration `koanf:"pending_ttl" validate:"required,gt=0"`
	PendingCapacity int           `koanf:"pending_capacity" validate:"required,gte=1"`
	TickInterval    time.Duration `koanf:"tick_interval" validate:"required,gt=0,ltefield=PendingTTL"`
	QueueSize       int           `koanf:"queue_size" validate:"required,gte=1"`

	// MetricsAddr enables the Prometheus endpoint when set, e.g. "127.0.0.1:9153".
	MetricsAddr string `koanf:"metrics_addr" validate:"omitempty,hostname_port"`
}

// DEFAULT_APP_CONFIG defines the default application configuration settings for the proxy.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:             "prod",
	LogLevel:        "info",
	Port:            53,
	Upstream:        "auto",
	UpstreamPort:    53,
	ResolvConf:      "/etc/resolv.conf",
	Records:         []string{},
	PendingTTL:      domain.DefaultPendingTTL,
	PendingCapacity: 4096,
	TickInterval:    250 * time.Millisecond,
	QueueSize:       256,
}

// validUpstream accepts "auto", "none", or an IPv4 literal.
func validUpstream(fl validator.FieldLevel) bool {
	v := strings.ToLower(strings.TrimSpace(fl.Field().String()))
	if v == "auto" || v == "none" {
		return true
	}
	ip, err := netip.ParseAddr(v)
	return err == nil && ip.Unmap().Is4()
}

// validRecord accepts a "pattern=ipv4" pair.
func validRecord(fl validator.FieldLevel) bool {
	_, err := ParseRecord(fl.Field().String())
	return err == nil
}

// ParseRecord parses one inline "pattern=ipv4" entry.
func ParseRecord(s string) (domain.DomainRecord, error) {
	pattern, address, ok := strings.Cut(s, "=")
	if !ok {
		return domain.DomainRecord{}, fmt.Errorf("record %q: expected pattern=ip", s)
	}
	rec, err := domain.ParseDomainRecord(pattern, address)
	if err != nil {
		return domain.DomainRecord{}, fmt.Errorf("record %q: %w", s, err)
	}
	return rec, nil
}

// InlineRecords parses Records. Load has already validated them.
func (c *AppConfig) InlineRecords() ([]domain.DomainRecord, error) {
	out := make([]domain.DomainRecord, 0, len(c.Records))
	for _, s := range c.Records {
		rec, err := ParseRecord(s)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// envLoader is a function that loads environment variables with the prefix "DNS_".
// It transforms the keys to lowercase and removes the prefix.
// and can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "DNS_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "DNS_"))
			value = strings.TrimSpace(value)

			if value == "" {
				return key, value
			}

			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}

			return key, value
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG through the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// registerValidation registers the "upstream" and "record" tags.
var registerValidation = func(v *validator.Validate) error {
	if err := v.RegisterValidation("upstream", validUpstream); err != nil {
		return err
	}
	return v.RegisterValidation("record", validRecord)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	err := defaultLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	err = envLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	err = registerValidation(validate)
	if err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	err = validate.Struct(&cfg)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}

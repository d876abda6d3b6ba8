package instance

import (
	"fmt"
	"os"
	"strings"
)

// Config is one independently configured {database, mail identity} unit.
// Built once at startup and never mutated afterwards.
type Config struct {
	Name         string
	DatabaseURL  string
	Channel      string
	Table        string
	TenantID     string
	ClientID     string
	ClientSecret string
	FromEmail    string
	ToEmail      string
}

// IssuerKey identifies the credential issuer this instance authenticates
// against. Instances sharing a tenant+client share cached tokens.
func (c Config) IssuerKey() string {
	return c.TenantID + "|" + c.ClientID
}

const (
	defaultChannel = "new_record_channel"
	defaultTable   = "inquiries"
)

// LoadAll reads instance configs from the environment. Instance 1 uses
// unsuffixed variable names (DATABASE_URL, TENANT_ID, ...); instances 2..N
// append _2, _3, and so on. Scanning stops at the first index with no
// variables set at all.
//
// A partially configured instance is a configuration error, not a skipped
// instance. All such errors are returned together so an operator can fix
// the environment in one pass; valid instances are still returned.
func LoadAll() ([]Config, []error) {
	var (
		configs []Config
		errs    []error
	)

	for i := 1; ; i++ {
		cfg, present, err := loadOne(i)
		if !present {
			break
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		configs = append(configs, cfg)
	}

	configs, dupErrs := dedupeChannels(configs)
	return configs, append(errs, dupErrs...)
}

func loadOne(i int) (Config, bool, error) {
	suffix := ""
	if i > 1 {
		suffix = fmt.Sprintf("_%d", i)
	}
	get := func(key string) string {
		return strings.TrimSpace(os.Getenv(key + suffix))
	}

	cfg := Config{
		Name:         get("INSTANCE_NAME"),
		DatabaseURL:  get("DATABASE_URL"),
		Channel:      get("NOTIFY_CHANNEL"),
		Table:        get("TABLE_NAME"),
		TenantID:     get("TENANT_ID"),
		ClientID:     get("CLIENT_ID"),
		ClientSecret: get("CLIENT_SECRET"),
		FromEmail:    get("FROM_EMAIL"),
		ToEmail:      get("TO_EMAIL"),
	}

	if (cfg == Config{}) {
		return Config{}, false, nil
	}

	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("instance-%d", i)
	}
	if i == 1 {
		// Original single-instance deployments predate the suffix scheme
		// and rely on these defaults.
		if cfg.Channel == "" {
			cfg.Channel = defaultChannel
		}
		if cfg.Table == "" {
			cfg.Table = defaultTable
		}
	}

	var missing []string
	require := func(name, v string) {
		if v == "" {
			missing = append(missing, name+suffix)
		}
	}
	require("DATABASE_URL", cfg.DatabaseURL)
	require("NOTIFY_CHANNEL", cfg.Channel)
	require("TABLE_NAME", cfg.Table)
	require("TENANT_ID", cfg.TenantID)
	require("CLIENT_ID", cfg.ClientID)
	require("CLIENT_SECRET", cfg.ClientSecret)
	require("FROM_EMAIL", cfg.FromEmail)
	require("TO_EMAIL", cfg.ToEmail)

	if len(missing) > 0 {
		return Config{}, true, fmt.Errorf("%s: missing %s", cfg.Name, strings.Join(missing, ", "))
	}
	return cfg, true, nil
}

// Two instances listening on the same channel name would receive each
// other's notifications, so a duplicate channel disqualifies the later
// instance.
func dedupeChannels(configs []Config) ([]Config, []error) {
	var (
		kept []Config
		errs []error
	)
	seen := make(map[string]string, len(configs))
	for _, cfg := range configs {
		if prev, ok := seen[cfg.Channel]; ok {
			errs = append(errs, fmt.Errorf("%s: channel %q already used by %s", cfg.Name, cfg.Channel, prev))
			continue
		}
		seen[cfg.Channel] = cfg.Name
		kept = append(kept, cfg)
	}
	return kept, errs
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Config is the root configuration for carelink.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Clinic    ClinicConfig              `json:"clinic"`
	Providers map[string]ProviderConfig `json:"providers"`
	Channels  ChannelsConfig            `json:"channels"`
	Delivery  DeliveryConfig            `json:"delivery"`
	Store     StoreConfig               `json:"store"`
}

type GeneralConfig struct {
	LogLevel        string `json:"logLevel"`
	LogFile         string `json:"logFile,omitempty"`
	DefaultProvider string `json:"defaultProvider"`
	DefaultModule   string `json:"defaultModule"`   // module new patients start on
	HistoryLimit    int    `json:"historyLimit"`    // messages loaded per turn
	MaxConcurrent   int    `json:"maxConcurrent"`   // parallel inbound turns
	PromptDir       string `json:"promptDir,omitempty"` // locale prompt packs (YAML)
}

// ClinicConfig is the business identity and scheduling window of the clinic
// this instance serves. Rendered into every agent prompt.
type ClinicConfig struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Timezone  string            `json:"timezone"`
	Locale    string            `json:"locale"`
	Tone      string            `json:"tone,omitempty"`
	Address   string            `json:"address,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	Email     string            `json:"email,omitempty"`
	Website   string            `json:"website,omitempty"`
	Services  []string          `json:"services,omitempty"`
	Insurance []string          `json:"insurance,omitempty"`
	Staff     []StaffMember     `json:"staff,omitempty"`
	Features  map[string]string `json:"features,omitempty"` // per-module feature flags, key "module.flag"
}

type StaffMember struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	APIKey       string `json:"apiKey,omitempty"`
	APIBase      string `json:"apiBase,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
}

type WhatsAppConfig struct {
	Enabled       bool   `json:"enabled"`
	AppSecret     string `json:"appSecret,omitempty"`
	AccessToken   string `json:"accessToken,omitempty"`
	VerifyToken   string `json:"verifyToken,omitempty"`
	PhoneNumberID string `json:"phoneNumberId,omitempty"`
	WebhookPath   string `json:"webhookPath,omitempty"`
	ListenAddr    string `json:"listenAddr,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}

// DeliveryConfig gates outbound sends.
type DeliveryConfig struct {
	BusinessHoursStart string   `json:"businessHoursStart"` // "08:00"
	BusinessHoursEnd   string   `json:"businessHoursEnd"`   // "19:00"
	ClosedWeekdays     []string `json:"closedWeekdays,omitempty"`
	DailyMessageCap    int      `json:"dailyMessageCap"`
	SweepSchedule      string   `json:"sweepSchedule,omitempty"` // cron spec for queue sweeper
	SweepMaxAttempts   int      `json:"sweepMaxAttempts,omitempty"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

// DefaultConfigDir returns the default config directory (~/.carelink).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".carelink"
	}
	return filepath.Join(home, ".carelink")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.General.PromptDir = ExpandPath(cfg.General.PromptDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Clinic.ID == "" {
		errs = append(errs, "clinic.id is required")
	}
	if _, err := time.LoadLocation(cfg.Clinic.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("clinic.timezone %q is not a valid IANA zone", cfg.Clinic.Timezone))
	}
	if cfg.General.HistoryLimit < 1 {
		errs = append(errs, "general.historyLimit must be >= 1")
	}
	if cfg.General.MaxConcurrent < 1 || cfg.General.MaxConcurrent > 100 {
		errs = append(errs, "general.maxConcurrent must be between 1 and 100")
	}
	if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok {
		errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
	}
	if _, err := parseClock(cfg.Delivery.BusinessHoursStart); err != nil {
		errs = append(errs, "delivery.businessHoursStart must be HH:MM")
	}
	if _, err := parseClock(cfg.Delivery.BusinessHoursEnd); err != nil {
		errs = append(errs, "delivery.businessHoursEnd must be HH:MM")
	}
	for _, day := range cfg.Delivery.ClosedWeekdays {
		if _, ok := weekdayNames[strings.ToLower(day)]; !ok {
			errs = append(errs, fmt.Sprintf("delivery.closedWeekdays: unknown weekday %q", day))
		}
	}
	if cfg.Delivery.DailyMessageCap < 1 {
		errs = append(errs, "delivery.dailyMessageCap must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ClosedWeekdaySet resolves the configured closed weekday names.
func (d DeliveryConfig) ClosedWeekdaySet() map[time.Weekday]bool {
	out := make(map[time.Weekday]bool, len(d.ClosedWeekdays))
	for _, name := range d.ClosedWeekdays {
		if wd, ok := weekdayNames[strings.ToLower(name)]; ok {
			out[wd] = true
		}
	}
	return out
}

// Window returns the business-hours window as minutes since midnight.
func (d DeliveryConfig) Window() (start, end int, err error) {
	start, err = parseClock(d.BusinessHoursStart)
	if err != nil {
		return 0, 0, err
	}
	end, err = parseClock(d.BusinessHoursEnd)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

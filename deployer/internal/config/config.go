package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is built once at startup and passed by value into every component.
type Config struct {
	TenantID       string
	ClientID       string
	ClientSecret   string
	SubscriptionID string
	ResourceGroup  string
	ServiceName    string

	APIVersion    string
	ManagementURL string
	LoginURL      string
	Scope         string

	Workers        int
	PollInterval   time.Duration
	PollDeadline   time.Duration
	MaxPolls       int
	RequestTimeout time.Duration

	ReportPath     string
	SpecDir        string
	CommitSpecName string

	DatabaseURL    string
	KafkaBrokers   []string
	KafkaTopic     string
	ReportS3Bucket string
	ReportS3Prefix string
	RedisAddr      string
	LockTTL        time.Duration
	KeyringService string
}

const (
	defaultAPIVersion     = "2021-08-01"
	defaultManagementURL  = "https://management.azure.com"
	defaultLoginURL       = "https://login.microsoftonline.com"
	defaultScope          = "https://management.azure.com/.default"
	defaultWorkers        = 4
	defaultPollInterval   = 30 * time.Second
	defaultPollDeadline   = 60 * time.Minute
	defaultRequestTimeout = 60 * time.Second
	defaultReportPath     = "results.json"
	defaultSpecDir        = "./openapi"
	defaultCommitSpecName = "openapi-resolved-apim.yaml"
	defaultKafkaTopic     = "apim.deployments"
	defaultLockTTL        = 2 * time.Hour
	defaultKeyringService = "apim-deployer"
)

// Load reads the environment. The camelCase names are the ones the release pipeline exports.
func Load() (Config, error) {
	cfg := fromEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadHistory reads the environment for commands that only query deployment history.
// It needs the database and the service name, not the gateway credentials.
func LoadHistory() (Config, error) {
	cfg := fromEnv()
	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, "APIM_DATABASE_URL")
	}
	if cfg.ServiceName == "" {
		missing = append(missing, "APIM_SERVICE_NAME")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

// KeyringService is the OS keyring service the client secret is stored under.
func KeyringService() string {
	return getEnv("APIM_KEYRING_SERVICE", defaultKeyringService)
}

func fromEnv() Config {
	return Config{
		TenantID:       firstNonEmpty(os.Getenv("APIM_TENANT_ID"), os.Getenv("tenantId")),
		ClientID:       firstNonEmpty(os.Getenv("APIM_CLIENT_ID"), os.Getenv("clientId")),
		ClientSecret:   firstNonEmpty(os.Getenv("APIM_CLIENT_SECRET"), os.Getenv("clientSecret")),
		SubscriptionID: firstNonEmpty(os.Getenv("APIM_SUBSCRIPTION_ID"), os.Getenv("subscriptionId")),
		ResourceGroup:  firstNonEmpty(os.Getenv("APIM_RESOURCE_GROUP"), os.Getenv("resourceGroupName")),
		ServiceName:    firstNonEmpty(os.Getenv("APIM_SERVICE_NAME"), os.Getenv("apimServiceName")),

		APIVersion:    getEnv("APIM_API_VERSION", defaultAPIVersion),
		ManagementURL: strings.TrimSuffix(getEnv("APIM_MANAGEMENT_URL", defaultManagementURL), "/"),
		LoginURL:      strings.TrimSuffix(getEnv("APIM_LOGIN_URL", defaultLoginURL), "/"),
		Scope:         getEnv("APIM_SCOPE", defaultScope),

		Workers:        getInt("APIM_WORKERS", defaultWorkers),
		PollInterval:   getDuration("APIM_POLL_INTERVAL", defaultPollInterval),
		PollDeadline:   getDuration("APIM_POLL_DEADLINE", defaultPollDeadline),
		MaxPolls:       getInt("APIM_MAX_POLLS", 0),
		RequestTimeout: getDuration("APIM_REQUEST_TIMEOUT", defaultRequestTimeout),

		ReportPath:     getEnv("APIM_REPORT_PATH", defaultReportPath),
		SpecDir:        getEnv("APIM_SPEC_DIR", defaultSpecDir),
		CommitSpecName: getEnv("APIM_COMMIT_SPEC_NAME", defaultCommitSpecName),

		DatabaseURL:    firstNonEmpty(os.Getenv("APIM_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		KafkaBrokers:   splitList(os.Getenv("APIM_KAFKA_BROKERS")),
		KafkaTopic:     getEnv("APIM_KAFKA_TOPIC", defaultKafkaTopic),
		ReportS3Bucket: os.Getenv("APIM_REPORT_S3_BUCKET"),
		ReportS3Prefix: os.Getenv("APIM_REPORT_S3_PREFIX"),
		RedisAddr:      os.Getenv("APIM_REDIS_ADDR"),
		LockTTL:        getDuration("APIM_LOCK_TTL", defaultLockTTL),
		KeyringService: KeyringService(),
	}
}

// Validate checks the identifiers every control-plane call needs. ClientSecret may be empty
// here; the authenticator falls back to the OS keyring.
func (c Config) Validate() error {
	var missing []string
	if c.TenantID == "" {
		missing = append(missing, "APIM_TENANT_ID")
	}
	if c.ClientID == "" {
		missing = append(missing, "APIM_CLIENT_ID")
	}
	if c.SubscriptionID == "" {
		missing = append(missing, "APIM_SUBSCRIPTION_ID")
	}
	if c.ResourceGroup == "" {
		missing = append(missing, "APIM_RESOURCE_GROUP")
	}
	if c.ServiceName == "" {
		missing = append(missing, "APIM_SERVICE_NAME")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Workers <= 0 {
		return fmt.Errorf("APIM_WORKERS must be positive")
	}
	return nil
}

// ServiceResourceID is the ARM resource id of the gateway service.
func (c Config) ServiceResourceID() string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.ApiManagement/service/%s",
		c.SubscriptionID, c.ResourceGroup, c.ServiceName)
}

// WithWorkers returns a copy with the worker count replaced when n is positive.
func (c Config) WithWorkers(n int) Config {
	if n > 0 {
		c.Workers = n
	}
	return c
}

// WithReportPath returns a copy with the report path replaced when p is non-empty.
func (c Config) WithReportPath(p string) Config {
	if p != "" {
		c.ReportPath = p
	}
	return c
}

// WithPolling returns a copy with the non-zero polling settings replaced.
func (c Config) WithPolling(interval, deadline time.Duration, maxPolls int) Config {
	if interval > 0 {
		c.PollInterval = interval
	}
	if deadline > 0 {
		c.PollDeadline = deadline
	}
	if maxPolls > 0 {
		c.MaxPolls = maxPolls
	}
	return c
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

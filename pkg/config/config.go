// pkg/config/config.go

package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/cloudya/vaultboot/pkg/shared"
)

// Config carries every tunable of the subsystem. All fields have safe
// defaults; the absence of any override must never prevent startup.
type Config struct {
	VaultAddr  string `mapstructure:"vault_addr"`
	NomadAddr  string `mapstructure:"nomad_addr"`
	ConsulAddr string `mapstructure:"consul_addr"`

	ConfigPath    string `mapstructure:"config_path"`
	CheckpointDir string `mapstructure:"checkpoint_dir"`
	SecretsDir    string `mapstructure:"secrets_dir"`
	StatusFile    string `mapstructure:"status_file"`
	TelemetryFile string `mapstructure:"telemetry_file"`

	StoreTimeout       time.Duration `mapstructure:"store_timeout"`
	ReadyTimeout       time.Duration `mapstructure:"ready_timeout"`
	SecretSvcTimeout   time.Duration `mapstructure:"secret_service_timeout"`
	RenewalInterval    time.Duration `mapstructure:"renewal_interval"`
	RotationInterval   time.Duration `mapstructure:"rotation_interval"`
	VerificationWindow time.Duration `mapstructure:"verification_window"`
	RenewBackoffCap    time.Duration `mapstructure:"renew_backoff_cap"`

	RenewMaxRetries     int `mapstructure:"renew_max_retries"`
	Phase2RetryLimit    int `mapstructure:"phase2_retry_limit"`
	CheckpointRetention int `mapstructure:"checkpoint_retention"`

	ProductionRole string   `mapstructure:"production_role"`
	BindCIDRs      []string `mapstructure:"bind_cidrs"`

	Debug bool `mapstructure:"debug"`
}

// Load builds the configuration from defaults, an optional .env file, and
// VAULTBOOT_* environment variables, in ascending precedence.
func Load() (*Config, error) {
	// Missing .env is the normal case, not an error.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(shared.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("vault_addr", shared.DefaultVaultAddr)
	v.SetDefault("nomad_addr", shared.DefaultNomadAddr)
	v.SetDefault("consul_addr", shared.DefaultConsulAddr)

	v.SetDefault("config_path", shared.OrchestratorConfigPath)
	v.SetDefault("checkpoint_dir", shared.CheckpointDir)
	v.SetDefault("secrets_dir", shared.SecretsDir)
	v.SetDefault("status_file", shared.StatusFile)
	v.SetDefault("telemetry_file", shared.TelemetryFile)

	v.SetDefault("store_timeout", shared.StoreCallTimeout)
	v.SetDefault("ready_timeout", shared.ReloadReadyTimeout)
	v.SetDefault("secret_service_timeout", shared.SecretServiceTimeout)
	v.SetDefault("renewal_interval", shared.RenewalInterval)
	v.SetDefault("rotation_interval", shared.RotationInterval)
	v.SetDefault("verification_window", shared.VerificationWindow)
	v.SetDefault("renew_backoff_cap", shared.RenewBackoffCap)

	v.SetDefault("renew_max_retries", shared.RenewMaxRetries)
	v.SetDefault("phase2_retry_limit", shared.Phase2RetryLimit)
	v.SetDefault("checkpoint_retention", shared.CheckpointRetention)

	v.SetDefault("production_role", shared.ProductionRoleName)
	v.SetDefault("bind_cidrs", []string{"127.0.0.0/8"})

	v.SetDefault("debug", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

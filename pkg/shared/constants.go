// pkg/shared/constants.go

package shared

import "time"

const (
	// Version is stamped into telemetry spans and status output.
	Version = "0.3.1"

	// EnvPrefix is the viper prefix for all vaultboot environment overrides.
	EnvPrefix = "VAULTBOOT"

	VaultAddrEnv  = "VAULT_ADDR"
	VaultTokenEnv = "VAULT_TOKEN"
	NomadAddrEnv  = "NOMAD_ADDR"
	ConsulAddrEnv = "CONSUL_ADDR"

	DefaultVaultAddr  = "https://127.0.0.1:8200"
	DefaultNomadAddr  = "http://127.0.0.1:4646"
	DefaultConsulAddr = "http://127.0.0.1:8500"
)

// Filesystem layout. Everything secret-bearing lives under SecretsDir with
// owner-only permissions; checkpoints carry metadata only.
const (
	SecretsDir    = "/var/lib/vaultboot/secrets"
	CheckpointDir = "/var/lib/vaultboot/checkpoints"
	StatusFile    = "/var/lib/vaultboot/status.json"
	TelemetryFile = "/var/lib/vaultboot/telemetry.jsonl"

	// File names under the (configurable) secrets directory.
	SealKeyName    = "seal.key"
	SealedCredName = "credential.sealed"
	TokenSinkName  = "integration_token"

	OrchestratorConfigPath = "/etc/nomad.d/vaultboot.hcl"

	DirPerm        = 0o700
	SecretFilePerm = 0o600
)

// Credential lifecycle defaults. Overridable through VAULTBOOT_* env vars;
// absence of overrides must not prevent startup.
const (
	MaxBootstrapTTL = 72 * time.Hour

	// AppRole parameters for the production role.
	ProductionRoleName     = "cloudya-app"
	ProductionTokenTTL     = time.Hour
	ProductionTokenMaxTTL  = 4 * time.Hour
	ProductionSecretIDTTL  = 24 * time.Hour
	ProductionSecretIDUses = 5

	RenewalInterval   = 5 * time.Minute
	RenewalThreshold  = 0.30 // renew below 30% of original TTL remaining
	ExpiringThreshold = 0.10 // health sweep escalates below 10%

	RotationInterval   = 7 * 24 * time.Hour
	VerificationWindow = 30 * time.Second

	RenewBackoffBase = time.Second
	RenewBackoffCap  = 30 * time.Second
	RenewMaxRetries  = 5

	StoreCallTimeout     = 10 * time.Second
	ReloadReadyTimeout   = 90 * time.Second
	SecretServiceTimeout = 5 * time.Minute
	Phase2RetryLimit     = 3

	CheckpointRetention = 7
)

// Policy names installed during bootstrap.
const (
	BootstrapPolicyName  = "vaultboot-bootstrap"
	ProductionPolicyName = "cloudya-app"
)

// SecretServiceJobID is the Nomad job the secret service is deployed as.
const SecretServiceJobID = "secret-service"

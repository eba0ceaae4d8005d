// pkg/storeclient/client.go
//
// Thin typed client for the secret store's token API. Calls are
// blocking-with-timeout and never retried here: the calling loop owns
// backoff policy. A circuit breaker sits in front of the transport so a
// down store fails fast instead of queueing work behind timeouts.

package storeclient

import (
	"context"
	"os"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"github.com/sony/gobreaker"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/cloudya/vaultboot/pkg/credential"
	"github.com/cloudya/vaultboot/pkg/crederr"
	"github.com/cloudya/vaultboot/pkg/shared"
)

// CreateSpec describes a token to mint.
type CreateSpec struct {
	Policies    []string
	TTL         time.Duration
	MaxTTL      time.Duration
	Orphan      bool
	Renewable   bool
	NumUses     int
	DisplayName string
	Metadata    map[string]string
}

// Store is the surface the issuer, lifecycle manager and phase controller
// consume. *Client implements it against Vault's HTTP API.
type Store interface {
	Create(ctx context.Context, spec CreateSpec) (*credential.Credential, error)
	Renew(ctx context.Context, token string, increment time.Duration) (time.Duration, error)
	Revoke(ctx context.Context, token string) error
	RevokeAccessor(ctx context.Context, accessor string) error
	LookupSelf(ctx context.Context, token string) (*credential.Credential, error)
	Health(ctx context.Context) error
}

// Client wraps a Vault API client.
type Client struct {
	api            *api.Client
	breaker        *gobreaker.CircuitBreaker
	defaultTimeout time.Duration
}

var _ Store = (*Client)(nil)

// New builds a store client for addr. The token, if empty, is taken from
// VAULT_TOKEN for operator commands; the daemon sets it explicitly.
func New(addr, token string, timeout time.Duration) (*Client, error) {
	cfg := api.DefaultConfig()
	cfg.Address = addr
	cfg.Timeout = timeout
	if err := cfg.ReadEnvironment(); err != nil {
		return nil, cerr.Wrap(err, "read vault environment")
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, cerr.Wrap(err, "create vault client")
	}
	if token == "" {
		token = os.Getenv(shared.VaultTokenEnv)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &Client{
		api:            client,
		defaultTimeout: timeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "secret-store",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}, nil
}

// SetToken switches the client identity, e.g. after a bootstrap login.
func (c *Client) SetToken(token string) { c.api.SetToken(token) }

// API exposes the underlying client for issuer operations (policy writes,
// AppRole management) that have no place on the narrow Store surface.
func (c *Client) API() *api.Client { return c.api }

// bounded guarantees a deadline on every outbound call.
func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.defaultTimeout)
}

func (c *Client) execute(fn func() (interface{}, error)) (interface{}, error) {
	return c.breaker.Execute(fn)
}

// Create mints a token per spec. Orphan creation requires the sudo-capable
// bootstrap path and is used only during phase 1.
func (c *Client) Create(ctx context.Context, spec CreateSpec) (*credential.Credential, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	renewable := spec.Renewable
	req := &api.TokenCreateRequest{
		Policies:       spec.Policies,
		TTL:            spec.TTL.String(),
		ExplicitMaxTTL: spec.MaxTTL.String(),
		NumUses:        spec.NumUses,
		DisplayName:    spec.DisplayName,
		Metadata:       spec.Metadata,
		Renewable:      &renewable,
		NoParent:       spec.Orphan,
	}

	res, err := c.execute(func() (interface{}, error) {
		if spec.Orphan {
			return c.api.Auth().Token().CreateOrphanWithContext(ctx, req)
		}
		return c.api.Auth().Token().CreateWithContext(ctx, req)
	})
	if err != nil {
		return nil, mapError(err, "create token")
	}

	secret := res.(*api.Secret)
	if secret == nil || secret.Auth == nil {
		return nil, crederr.Validationf("create token: store returned no auth data")
	}
	return credentialFromAuth(secret.Auth, spec, time.Now()), nil
}

// Renew extends the token's lease and returns the granted TTL. The call
// runs under the token's own identity: issued policies grant renew-self
// only, never the privileged renew-by-token path.
func (c *Client) Renew(ctx context.Context, token string, increment time.Duration) (time.Duration, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	res, err := c.execute(func() (interface{}, error) {
		cl, err := c.api.Clone()
		if err != nil {
			return nil, err
		}
		cl.SetToken(token)
		return cl.Auth().Token().RenewSelfWithContext(ctx, int(increment.Seconds()))
	})
	if err != nil {
		return 0, mapError(err, "renew token")
	}

	secret := res.(*api.Secret)
	if secret == nil || secret.Auth == nil {
		return 0, crederr.Validationf("renew token: store returned no auth data")
	}
	if !secret.Auth.Renewable {
		return 0, cerr.Mark(cerr.New("token is not renewable"), crederr.ErrNotRenewable)
	}
	return time.Duration(secret.Auth.LeaseDuration) * time.Second, nil
}

// Revoke revokes a token and its children. Idempotent: revoking an already
// revoked or unknown token is treated as success.
func (c *Client) Revoke(ctx context.Context, token string) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	_, err := c.execute(func() (interface{}, error) {
		return nil, c.api.Auth().Token().RevokeTreeWithContext(ctx, token)
	})
	if err != nil {
		mapped := mapError(err, "revoke token")
		if crederr.IsNotFound(mapped) || crederr.IsValidation(mapped) {
			// Already gone. The second revoke must not be an error.
			return nil
		}
		return mapped
	}
	return nil
}

// RevokeAccessor revokes by accessor, same idempotence contract as Revoke.
func (c *Client) RevokeAccessor(ctx context.Context, accessor string) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	_, err := c.execute(func() (interface{}, error) {
		return nil, c.api.Auth().Token().RevokeAccessorWithContext(ctx, accessor)
	})
	if err != nil {
		mapped := mapError(err, "revoke accessor")
		if crederr.IsNotFound(mapped) || crederr.IsValidation(mapped) {
			return nil
		}
		return mapped
	}
	return nil
}

// LookupSelf asks the store what it thinks of the given token, using the
// token's own identity, and maps the answer onto the credential model.
func (c *Client) LookupSelf(ctx context.Context, token string) (*credential.Credential, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	res, err := c.execute(func() (interface{}, error) {
		cl, err := c.api.Clone()
		if err != nil {
			return nil, err
		}
		cl.SetToken(token)
		return cl.Auth().Token().LookupSelfWithContext(ctx)
	})
	if err != nil {
		return nil, mapError(err, "lookup-self")
	}

	secret := res.(*api.Secret)
	if secret == nil || secret.Data == nil {
		return nil, crederr.Validationf("lookup-self: empty response")
	}
	return credentialFromLookup(secret)
}

// Health reports whether the store is initialized and unsealed.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	res, err := c.execute(func() (interface{}, error) {
		return c.api.Sys().HealthWithContext(ctx)
	})
	if err != nil {
		return mapError(err, "health")
	}

	health := res.(*api.HealthResponse)
	if !health.Initialized {
		return crederr.Transient(cerr.New("store not initialized"), "health")
	}
	if health.Sealed {
		return crederr.Transient(cerr.New("store sealed"), "health")
	}
	return nil
}

func credentialFromAuth(auth *api.SecretAuth, spec CreateSpec, now time.Time) *credential.Credential {
	ttl := time.Duration(auth.LeaseDuration) * time.Second
	cred := &credential.Credential{
		ID:          auth.Accessor, // stable, loggable identifier
		Accessor:    auth.Accessor,
		SecretValue: auth.ClientToken,
		Policies:    auth.Policies,
		TTL:         ttl,
		MaxTTL:      spec.MaxTTL,
		Renewable:   auth.Renewable,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Metadata:    spec.Metadata,
		State:       credential.StateActive,
	}
	if spec.NumUses > 0 {
		uses := spec.NumUses
		cred.UsesRemaining = &uses
	}
	return cred
}

func credentialFromLookup(secret *api.Secret) (*credential.Credential, error) {
	accessor, err := secret.TokenAccessor()
	if err != nil {
		return nil, crederr.Validation(err, "lookup-self: accessor")
	}
	policies, err := secret.TokenPolicies()
	if err != nil {
		return nil, crederr.Validation(err, "lookup-self: policies")
	}
	ttl, err := secret.TokenTTL()
	if err != nil {
		return nil, crederr.Validation(err, "lookup-self: ttl")
	}
	renewable, err := secret.TokenIsRenewable()
	if err != nil {
		return nil, crederr.Validation(err, "lookup-self: renewable")
	}
	metadata, err := secret.TokenMetadata()
	if err != nil {
		return nil, crederr.Validation(err, "lookup-self: metadata")
	}

	now := time.Now()
	cred := &credential.Credential{
		ID:        accessor,
		Accessor:  accessor,
		Policies:  policies,
		TTL:       ttl,
		Renewable: renewable,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Metadata:  metadata,
		State:     credential.StateActive,
	}
	if raw, ok := secret.Data["num_uses"]; ok {
		if n, err := parseNumber(raw); err == nil && n > 0 {
			uses := n
			cred.UsesRemaining = &uses
		}
	}
	return cred, nil
}

// LogAccessor is a helper for consistent, secret-free credential logging.
func LogAccessor(log otelzap.LoggerWithCtx, msg string, cred *credential.Credential) {
	log.Info(msg,
		zap.String("accessor", cred.Accessor),
		zap.String("kind", string(cred.Kind)),
		zap.Duration("ttl", cred.TTL),
	)
}

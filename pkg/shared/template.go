// pkg/shared/template.go

package shared

// OrchestratorConfigTemplate is the sole config surface vaultboot manages.
// Everything except the integration block is static per phase. The rendered
// file never contains a secret value; the credential travels through the
// owner-only token sink instead.
const OrchestratorConfigTemplate = `# Managed by vaultboot. Do not edit by hand.
# generation = "{{ .Version }}"
# phase      = "{{ .Phase }}"

integration {
  enabled = {{ .Enabled }}
  address = "{{ .Address }}"
}
`

// BootstrapPolicy grants only what phase 2 needs to wire the integration:
// AppRole management under auth/approle and self-service token operations.
const BootstrapPolicy = `# vaultboot bootstrap policy (time-bounded, phase 2 only)
path "auth/approle/*" {
  capabilities = ["create", "read", "update", "list"]
}

path "sys/auth/approle" {
  capabilities = ["create", "update", "sudo"]
}

path "sys/policies/acl/cloudya-app" {
  capabilities = ["create", "update", "read"]
}

path "auth/token/lookup-self" {
  capabilities = ["read"]
}

path "auth/token/renew-self" {
  capabilities = ["update"]
}
`

// ProductionPolicy is the steady-state application policy. The approle
// paths are scoped to the application's own role: the token can mint its
// replacement at rotation but cannot alter the role or any policy.
const ProductionPolicy = `# cloudya application policy
path "cloudya-secrets/data/*" {
  capabilities = ["read"]
}

path "auth/token/lookup-self" {
  capabilities = ["read"]
}

path "auth/token/renew-self" {
  capabilities = ["update"]
}

path "auth/approle/role/cloudya-app/role-id" {
  capabilities = ["read"]
}

path "auth/approle/role/cloudya-app/secret-id" {
  capabilities = ["create", "update"]
}
`

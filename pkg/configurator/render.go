// pkg/configurator/render.go
//
// Rendering is deterministic: the same intent and phase always produce
// byte-identical output, which is what makes checksum-based change
// detection trustworthy. The two historical code paths for "bootstrap"
// config vs "integrated" config collapse into one template driven by a
// tagged intent.

package configurator

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"text/template"

	cerr "github.com/cockroachdb/errors"

	"github.com/cloudya/vaultboot/pkg/bootctx"
	"github.com/cloudya/vaultboot/pkg/credential"
	"github.com/cloudya/vaultboot/pkg/crederr"
	"github.com/cloudya/vaultboot/pkg/shared"
)

// Intent is the tagged variant selecting the integration surface. Build it
// with IntegrationDisabled or IntegrationEnabled, never directly.
type Intent struct {
	enabled bool
	address string
	cred    *credential.Credential
}

// IntegrationDisabled renders the phase-1 configuration that breaks the
// circular dependency between orchestrator and secret store.
func IntegrationDisabled() Intent {
	return Intent{}
}

// IntegrationEnabled renders the integrated configuration. The credential
// is not written into the artifact; it travels through the owner-only
// token sink. Only its presence is required here.
func IntegrationEnabled(address string, cred *credential.Credential) (Intent, error) {
	if address == "" {
		return Intent{}, crederr.Validationf("integration address is empty")
	}
	if cred == nil || cred.SecretValue == "" {
		return Intent{}, crederr.Validationf("integration enabled without a credential")
	}
	return Intent{enabled: true, address: address, cred: cred}, nil
}

// Enabled reports the variant.
func (i Intent) Enabled() bool { return i.enabled }

// Credential returns the attached credential for the enabled variant.
func (i Intent) Credential() *credential.Credential { return i.cred }

// Artifact is one rendered, checksummed configuration generation.
type Artifact struct {
	Version          string        `json:"version"`
	Rendered         []byte        `json:"rendered"`
	Checksum         string        `json:"checksum"`
	Phase            bootctx.Phase `json:"phase"`
	BackupOfPrevious *Artifact     `json:"backup_of_previous,omitempty"`
}

var configTmpl = template.Must(template.New("orchestrator").Parse(shared.OrchestratorConfigTemplate))

// Render produces the artifact for an intent and phase.
func Render(intent Intent, phase bootctx.Phase) (*Artifact, error) {
	// First pass with an empty version pins the content; the version is
	// then derived from that content so equal inputs share a version.
	body, err := executeTemplate("", intent, phase)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body)
	version := hex.EncodeToString(sum[:])[:12]

	final, err := executeTemplate(version, intent, phase)
	if err != nil {
		return nil, err
	}
	finalSum := sha256.Sum256(final)

	return &Artifact{
		Version:  version,
		Rendered: final,
		Checksum: hex.EncodeToString(finalSum[:]),
		Phase:    phase,
	}, nil
}

func executeTemplate(version string, intent Intent, phase bootctx.Phase) ([]byte, error) {
	var buf bytes.Buffer
	err := configTmpl.Execute(&buf, struct {
		Version string
		Phase   string
		Enabled bool
		Address string
	}{
		Version: version,
		Phase:   phase.String(),
		Enabled: intent.enabled,
		Address: intent.address,
	})
	if err != nil {
		return nil, cerr.Wrap(err, "render orchestrator config")
	}
	return buf.Bytes(), nil
}

// ChecksumOf computes the content checksum used for change detection.
func ChecksumOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// pkg/configurator/validate.go

package configurator

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/cloudya/vaultboot/pkg/crederr"
)

// Validate checks the rendered artifact syntactically and semantically.
// It must pass before any write; a failing artifact is discarded and the
// previously active configuration stays in place.
func Validate(art *Artifact) error {
	if art == nil || len(art.Rendered) == 0 {
		return crederr.Validationf("empty artifact")
	}
	if ChecksumOf(art.Rendered) != art.Checksum {
		return crederr.Validationf("artifact checksum mismatch")
	}

	file, diags := hclsyntax.ParseConfig(art.Rendered, "vaultboot.hcl", hcl.InitialPos)
	if diags.HasErrors() {
		return crederr.Validation(diags, "config syntax error")
	}

	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return crederr.Validationf("unexpected HCL body type")
	}

	var integration *hclsyntax.Block
	for _, block := range body.Blocks {
		if block.Type == "integration" {
			if integration != nil {
				return crederr.Validationf("duplicate integration block")
			}
			integration = block
		}
	}
	if integration == nil {
		return crederr.Validationf("integration block missing")
	}

	enabled, err := boolAttr(integration.Body, "enabled")
	if err != nil {
		return err
	}
	address, err := stringAttr(integration.Body, "address")
	if err != nil {
		return err
	}
	if enabled && address == "" {
		return crederr.Validationf("integration enabled but address is empty")
	}

	// A secret literal in the artifact would end up world-readable by the
	// orchestrator's config tooling. Security event, not a syntax nit.
	for name := range integration.Body.Attributes {
		if name == "token" || name == "secret" || name == "secret_id" {
			return crederr.Integrity("secret material rendered into config artifact")
		}
	}
	return nil
}

func boolAttr(body *hclsyntax.Body, name string) (bool, error) {
	attr, ok := body.Attributes[name]
	if !ok {
		return false, crederr.Validationf("integration.%s missing", name)
	}
	val, diags := attr.Expr.Value(nil)
	if diags.HasErrors() || val.Type() != cty.Bool {
		return false, crederr.Validationf("integration.%s is not a bool", name)
	}
	return val.True(), nil
}

func stringAttr(body *hclsyntax.Body, name string) (string, error) {
	attr, ok := body.Attributes[name]
	if !ok {
		return "", crederr.Validationf("integration.%s missing", name)
	}
	val, diags := attr.Expr.Value(nil)
	if diags.HasErrors() || val.Type() != cty.String {
		return "", crederr.Validationf("integration.%s is not a string", name)
	}
	return val.AsString(), nil
}

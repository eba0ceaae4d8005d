// pkg/storeclient/errors.go

package storeclient

import (
	"context"
	"net"

	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"github.com/sony/gobreaker"

	"github.com/cloudya/vaultboot/pkg/crederr"
)

// mapError converts raw transport and HTTP failures into the vaultboot
// taxonomy. The store client never decides retry policy; it only classifies.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}

	if cerr.Is(err, gobreaker.ErrOpenState) || cerr.Is(err, gobreaker.ErrTooManyRequests) {
		return crederr.Unreachable(err, op+": circuit open")
	}
	if cerr.Is(err, context.DeadlineExceeded) {
		return crederr.Transient(err, op+": deadline exceeded")
	}

	var respErr *api.ResponseError
	if cerr.As(err, &respErr) {
		switch {
		case respErr.StatusCode == 403:
			return crederr.PolicyDenied(err, op)
		case respErr.StatusCode == 404:
			return cerr.Mark(cerr.Wrap(err, op), crederr.ErrNotFound)
		case respErr.StatusCode == 400 || respErr.StatusCode == 422:
			return crederr.Validation(err, op+": invalid spec")
		case respErr.StatusCode >= 500:
			return crederr.Transient(err, op)
		default:
			return cerr.Wrap(err, op)
		}
	}

	var netErr net.Error
	if cerr.As(err, &netErr) {
		if netErr.Timeout() {
			return crederr.Transient(err, op+": timeout")
		}
		return crederr.Unreachable(err, op)
	}

	// Dial failures surface as *url.Error wrapping *net.OpError.
	var opErr *net.OpError
	if cerr.As(err, &opErr) {
		return crederr.Unreachable(err, op)
	}

	return crederr.Transient(err, op)
}

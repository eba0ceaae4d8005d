// pkg/storeclient/numbers.go

package storeclient

import (
	"encoding/json"
	"strconv"

	cerr "github.com/cockroachdb/errors"
)

// parseNumber copes with Vault returning numbers as json.Number, float64 or
// int depending on the decode path.
func parseNumber(raw interface{}) (int, error) {
	switch v := raw.(type) {
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case string:
		return strconv.Atoi(v)
	default:
		return 0, cerr.Newf("unexpected number type %T", raw)
	}
}

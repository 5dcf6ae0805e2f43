package purchase

import (
	"encoding/json"
	"errors"
)

// ErrProviderFailure marks errors from the external payment gateway. A
// provider failure after a committed grant is retryable in isolation and
// never rolls the grant back.
var ErrProviderFailure = errors.New("payment provider failure")

func unmarshalMetadata(raw string, target any) error {
	if raw == "" {
		raw = "{}"
	}
	return json.Unmarshal([]byte(raw), target)
}

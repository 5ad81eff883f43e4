package anthropic

import (
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
)

// StatusCode extracts the HTTP status code from an SDK API error. The
// second return is false when err did not originate from the Anthropic API
// (e.g., a transport-level failure).
func StatusCode(err error) (int, bool) {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode, true
	}
	return 0, false
}

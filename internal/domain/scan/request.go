package scan

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	sharedErrors "github.com/khanhnv2901/arachne-lens/internal/shared/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewScanRequest validates a target URL before any network activity happens.
// Only absolute http(s) URLs are accepted.
func NewScanRequest(rawURL string) (ScanRequest, error) {
	req := ScanRequest{URL: strings.TrimSpace(rawURL)}
	if req.URL == "" {
		return ScanRequest{}, &sharedErrors.InvalidInputError{Field: "url", Reason: sharedErrors.ErrEmptyURL.Error()}
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return ScanRequest{}, &sharedErrors.InvalidInputError{
				Field:  "url",
				Reason: "must be an absolute http or https URL (failed " + verrs[0].Tag() + ")",
			}
		}
		return ScanRequest{}, &sharedErrors.InvalidInputError{Field: "url", Reason: err.Error()}
	}
	return req, nil
}

package validation

import (
	"fmt"
	"strings"

	"spacechat/internal/constants"
	"spacechat/internal/errors"
)

// ValidateIdentifier checks a conversation or message id taken from user
// input before it is put in a URL or channel identifier
func ValidateIdentifier(fieldName, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.NewValidationError(fieldName, value, fmt.Sprintf("%s is required", fieldName))
	}

	if len(value) > constants.MaxIdentifierLength {
		return errors.NewValidationError(fieldName, "",
			fmt.Sprintf("%s too long (max %d characters)", fieldName, constants.MaxIdentifierLength))
	}

	for _, char := range value {
		if char < 0x20 || char == 0x7f || char == '/' {
			return errors.NewValidationError(fieldName, "", fmt.Sprintf("%s contains invalid characters", fieldName))
		}
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.NewValidationError(fieldName, fmt.Sprint(value),
			fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}

	if value > max {
		return errors.NewValidationError(fieldName, fmt.Sprint(value),
			fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}

	return nil
}

// ValidateTimeout validates timeout values in seconds
func ValidateTimeout(timeoutSec int, fieldName string) error {
	return ValidateNumericRange(timeoutSec, fieldName, 1, constants.MaxTimeoutSec)
}

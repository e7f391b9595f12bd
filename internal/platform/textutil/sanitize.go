package textutil

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// strictPolicy strips every HTML element and attribute. Policies are safe for
// concurrent use, so a single package-level instance serves all callers.
var strictPolicy = bluemonday.StrictPolicy()

// CleanUserText removes HTML markup from free-form user input and trims the
// surrounding whitespace. Stored text is rendered verbatim by storefront and
// back-office clients, so markup is stripped at the write path.
func CleanUserText(value string) string {
	return strings.TrimSpace(strictPolicy.Sanitize(value))
}

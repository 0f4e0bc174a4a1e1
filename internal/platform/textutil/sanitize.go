package textutil

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

// SanitizePlainText strips every HTML element from free text such as customer notes and trims
// the result. Entities produced by the policy are unescaped so the stored text stays plain.
func SanitizePlainText(value string) string {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	cleaned := strictPolicy.Sanitize(value)
	return strings.TrimSpace(html.UnescapeString(cleaned))
}

// Package phishing implements rule-based phishing detection over free-form
// payment context data (redirect URLs, form fields, TLS status, domain age).
//
// Detection is deliberately permissive in raising alarms: any single flagged
// indicator makes the whole context suspicious, and malformed input is
// treated as suspicious rather than as "no match" (fail-safe-closed). False
// positives are adjudicated downstream by human review.
package phishing

import (
	"fmt"
	"strconv"
	"strings"
)

// Indicator keys recognized in a payment context.
const (
	KeyRedirectURL    = "redirect_url"
	KeyFormFields     = "form_fields"
	KeyRequestHeaders = "request_headers"
	KeyIPReputation   = "ip_reputation"
	KeySSLVerified    = "ssl_verification"
	KeyDomainAge      = "domain_age"
	KeyProviderData   = "paypal_data"
)

// Thresholds.
const (
	minReputationScore = 50
	minDomainAgeDays   = 30
)

var (
	// lookalikeHosts are brand-impersonation substrings: character
	// substitution, subdomain tricks, and trailing-dot tricks.
	lookalikeHosts = []string{"paypa1", "paypal-secure", "paypal.com.", "secure-paypal"}

	// brandFieldPrefix is reserved by the provider; third-party pages must
	// not request fields under it.
	brandFieldPrefix = "paypal_"

	// tamperMarkers in request headers indicate spoofed or modified requests.
	tamperMarkers = []string{"phish", "spoofed", "modified"}

	// providerDomain is the only legitimate API endpoint suffix.
	providerDomain = "paypal.com"

	// allowedAuthMethods for the provider API.
	allowedAuthMethods = map[string]bool{"oauth": true, "cert": true}

	// sensitiveFields are data categories a payment page must never request.
	sensitiveFields = []string{"ssn", "card_pin", "bank_password"}
)

// Result is the verdict of a phishing check.
type Result struct {
	Suspicious bool     `json:"suspicious"`
	Indicators []string `json:"indicators,omitempty"`
}

// indicatorCheck evaluates one named indicator against its context value.
type indicatorCheck struct {
	key  string
	fire func(v any) bool
}

var indicatorChecks = []indicatorCheck{
	{KeyRedirectURL, checkRedirectURL},
	{KeyFormFields, checkFormFields},
	{KeyRequestHeaders, checkRequestHeaders},
	{KeyIPReputation, checkIPReputation},
	{KeySSLVerified, checkSSLVerification},
	{KeyDomainAge, checkDomainAge},
}

// Check evaluates all indicators against a payment context. A panic inside
// any indicator marks the whole context suspicious instead of propagating.
func Check(details map[string]any) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{
				Suspicious: true,
				Indicators: append(result.Indicators, fmt.Sprintf("evaluation_error:%v", r)),
			}
		}
	}()

	for _, c := range indicatorChecks {
		v, ok := details[c.key]
		if !ok {
			continue
		}
		if c.fire(v) {
			result.Indicators = append(result.Indicators, c.key)
		}
	}

	if v, ok := details[KeyProviderData]; ok {
		result.Indicators = append(result.Indicators, checkProviderData(v)...)
	}

	result.Suspicious = len(result.Indicators) > 0
	return result
}

func checkRedirectURL(v any) bool {
	u := strings.ToLower(fmt.Sprint(v))
	for _, host := range lookalikeHosts {
		if strings.Contains(u, host) {
			return true
		}
	}
	return false
}

// checkFormFields flags brand-reserved field names. A value that is not a
// field list at all cannot be vetted and is suspicious.
func checkFormFields(v any) bool {
	fields, ok := toStringSlice(v)
	if !ok {
		return true
	}
	for _, f := range fields {
		if strings.HasPrefix(strings.ToLower(f), brandFieldPrefix) {
			return true
		}
	}
	return false
}

func checkRequestHeaders(v any) bool {
	h := strings.ToLower(fmt.Sprint(v))
	for _, marker := range tamperMarkers {
		if strings.Contains(h, marker) {
			return true
		}
	}
	return false
}

// checkIPReputation flags scores below the threshold. An unparseable score is
// suspicious: a reputation service returning garbage is not a clean bill.
func checkIPReputation(v any) bool {
	score, ok := toFloat(v)
	if !ok {
		return true
	}
	return score < minReputationScore
}

func checkSSLVerification(v any) bool {
	verified, ok := v.(bool)
	if !ok {
		return true
	}
	return !verified
}

func checkDomainAge(v any) bool {
	days, ok := toFloat(v)
	if !ok {
		return true
	}
	return days < minDomainAgeDays
}

// checkProviderData runs the provider-specific sub-checks on the nested
// payment-provider block.
func checkProviderData(v any) []string {
	data, ok := v.(map[string]any)
	if !ok {
		return []string{KeyProviderData + ":malformed"}
	}

	var fired []string
	if endpoint, ok := data["api_endpoint"]; ok {
		host := strings.TrimSuffix(strings.ToLower(fmt.Sprint(endpoint)), "/")
		if !strings.HasSuffix(host, providerDomain) {
			fired = append(fired, KeyProviderData+":api_endpoint")
		}
	}
	if method, ok := data["auth_method"]; ok {
		if !allowedAuthMethods[strings.ToLower(fmt.Sprint(method))] {
			fired = append(fired, KeyProviderData+":auth_method")
		}
	}
	if requested, ok := data["requested_fields"]; ok {
		fields, listOK := toStringSlice(requested)
		if !listOK {
			fired = append(fired, KeyProviderData+":requested_fields")
		} else if requestsSensitiveField(fields) {
			fired = append(fired, KeyProviderData+":requested_fields")
		}
	}
	return fired
}

func requestsSensitiveField(fields []string) bool {
	for _, f := range fields {
		for _, sensitive := range sensitiveFields {
			if strings.EqualFold(f, sensitive) {
				return true
			}
		}
	}
	return false
}

func toStringSlice(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

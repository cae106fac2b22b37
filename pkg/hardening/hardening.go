package hardening

import (
	"fmt"
	"strings"
)

// Options carries the knobs whose values are dangerous to get wrong in a
// production deployment.
type Options struct {
	Environment           string
	OfficeSecret          string
	OfficeEnabled         bool
	SMTPHost              string
	SMTPPassword          string
	DisableRecaptchaCheck bool
	CORSAllowedOrigins    string
	StrictProdSecurity    string
}

func isProductionLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}

// ValidateProduction rejects insecure configurations in production-like
// environments. STRICT_PROD_SECURITY=false downgrades failures to nothing,
// for break-glass operation only.
func ValidateProduction(opts Options) error {
	if !isProductionLike(opts.Environment) {
		return nil
	}
	if strings.EqualFold(strings.TrimSpace(opts.StrictProdSecurity), "false") {
		return nil
	}
	var problems []string
	if opts.OfficeEnabled {
		if strings.TrimSpace(opts.OfficeSecret) == "" {
			problems = append(problems, "OFFICE_SECRET must be set when office flows are enabled")
		}
		if strings.TrimSpace(opts.SMTPHost) != "" && strings.TrimSpace(opts.SMTPPassword) == "" {
			problems = append(problems, "SMTP_PASSWORD must be set when SMTP_HOST is configured")
		}
		if opts.DisableRecaptchaCheck {
			problems = append(problems, "DISABLE_RECAPTCHA_CHECK=true is forbidden in production")
		}
	}
	if strings.TrimSpace(opts.CORSAllowedOrigins) == "*" {
		problems = append(problems, "CORS_ALLOWED_ORIGINS=* is forbidden in production")
	}
	if len(problems) > 0 {
		return fmt.Errorf("production hardening: %s", strings.Join(problems, "; "))
	}
	return nil
}

package shield

import "net/http"

// HeaderConfig defines the security headers applied to every response.
// Empty fields are not sent.
type HeaderConfig struct {
	CSP                     string
	XFrameOptions           string
	XContentTypeOptions     string
	ReferrerPolicy          string
	StrictTransportSecurity string
	CrossOriginOpenerPolicy string
	PermissionsPolicy       string
}

// DefaultHeaders returns the header set for a JSON-only API: nothing may be
// framed or executed from our responses.
func DefaultHeaders() HeaderConfig {
	return HeaderConfig{
		CSP:                     "default-src 'none'; frame-ancestors 'none'",
		XFrameOptions:           "DENY",
		XContentTypeOptions:     "nosniff",
		ReferrerPolicy:          "no-referrer",
		StrictTransportSecurity: "max-age=15552000; includeSubDomains",
		CrossOriginOpenerPolicy: "same-origin",
		PermissionsPolicy:       "camera=(), microphone=(), geolocation=()",
	}
}

// SecurityHeaders returns middleware that sets the configured security
// headers on every response.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	pairs := [][2]string{
		{"Content-Security-Policy", cfg.CSP},
		{"X-Frame-Options", cfg.XFrameOptions},
		{"X-Content-Type-Options", cfg.XContentTypeOptions},
		{"Referrer-Policy", cfg.ReferrerPolicy},
		{"Strict-Transport-Security", cfg.StrictTransportSecurity},
		{"Cross-Origin-Opener-Policy", cfg.CrossOriginOpenerPolicy},
		{"Permissions-Policy", cfg.PermissionsPolicy},
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, p := range pairs {
				if p[1] != "" {
					h.Set(p[0], p[1])
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

package errors

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category Category
	Message  string
	Detail   string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Navigation Errors (E100-E119)
	// ============================================

	"E101": {
		Category: CategoryNavigation,
		Message:  "Route tree mismatch",
		Detail:   "The patch path does not correspond to the current route tree shape. The navigation falls back to a full page load.",
	},
	"E102": {
		Category: CategoryNavigation,
		Message:  "Foreign history entry",
		Detail:   "The history entry was not created by this router. The page is reloaded to recover.",
	},
	"E103": {
		Category: CategoryUsage,
		Message:  "Development-only operation",
		Detail:   "FastRefresh can only be used in development mode. Use Refresh instead.",
	},
	"E104": {
		Category: CategoryInternal,
		Message:  "Merge contract violation",
		Detail:   "The patch path continues below a node that has no parallel slots.",
	},
	"E109": {
		Category: CategoryNavigation,
		Message:  "Invalid URL",
		Detail:   "The navigation target could not be parsed as a URL.",
	},
	"E111": {
		Category: CategoryNavigation,
		Message:  "External navigation",
		Detail:   "The target origin differs from the current origin. The browser performs the navigation.",
	},

	// ============================================
	// Transport Errors (E105-E110)
	// ============================================

	"E105": {
		Category: CategoryTransport,
		Message:  "Patch fetch timed out",
		Detail:   "The server did not answer the patch request in time. The navigation falls back to a full page load.",
	},
	"E106": {
		Category: CategoryTransport,
		Message:  "Patch fetch failed",
		Detail:   "The patch request failed. The affected subtree reports the error; siblings stay interactive.",
	},
	"E107": {
		Category: CategoryTransport,
		Message:  "Prefetch rate limited",
		Detail:   "Too many prefetch requests were issued. Excess prefetches are dropped silently.",
	},
	"E110": {
		Category: CategoryTransport,
		Message:  "Server action failed",
		Detail:   "The server action request failed or returned an invalid response.",
	},

	// ============================================
	// Lifecycle Errors (E108)
	// ============================================

	"E108": {
		Category: CategoryUsage,
		Message:  "Router closed",
		Detail:   "The router has been unmounted and no longer accepts actions.",
	},

	// ============================================
	// Config Errors (E201-E209)
	// ============================================

	"E201": {
		Category: CategoryConfig,
		Message:  "Invalid config file",
		Detail:   "The configuration file could not be parsed.",
	},
	"E202": {
		Category: CategoryConfig,
		Message:  "Invalid duration",
		Detail:   "A duration field could not be parsed. Use Go duration syntax such as \"30s\" or \"5m\".",
	},
	"E203": {
		Category: CategoryConfig,
		Message:  "Invalid config value",
		Detail:   "A configuration value is out of range.",
	},
}

// GetAllCodes returns all registered error codes.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}

// Register adds a new error template to the registry.
func Register(code string, template ErrorTemplate) {
	registry[code] = template
}

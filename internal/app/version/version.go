package version

// Default values are overridden at build time via -ldflags.
// Keep these lower-case so ldflags can set them without exporting internals.
var (
	buildVersion = "dev"
	builtAt      = "unknown"
)

const userAgentProduct = "Sync-Google-API-IP-whitelist"

// Info represents the running build metadata.
type Info struct {
	BuildVersion string `json:"buildVersion"`
	BuiltAt      string `json:"builtAt"`
}

// Get returns the current build metadata.
func Get() Info {
	return Info{
		BuildVersion: buildVersion,
		BuiltAt:      builtAt,
	}
}

// UserAgent identifies the tool in outgoing HTTP requests.
func UserAgent() string {
	v := buildVersion
	if v == "" || v == "dev" {
		v = "1.0"
	}
	return userAgentProduct + "/" + v + " (+fetch ipranges)"
}

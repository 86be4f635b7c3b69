package session

const DefaultProfileName = "default"

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. the configured default profile (config.toml / COURIER_PROFILE)
// 3. "default"
func Resolve(flagOverride, configured string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if configured != "" {
		return configured
	}
	return DefaultProfileName
}

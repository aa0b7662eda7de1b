//go:build !windows

package process

// lookupOverride finds the override for an environment key; names are case-sensitive.
func lookupOverride(overrides map[string]string, key string) (string, bool) {
	_, ok := overrides[key]
	return key, ok
}

//go:build windows

package process

import "strings"

// lookupOverride finds the override for an environment key; Windows names are case-insensitive.
func lookupOverride(overrides map[string]string, key string) (string, bool) {
	if _, ok := overrides[key]; ok {
		return key, true
	}
	for name := range overrides {
		if strings.EqualFold(name, key) {
			return name, true
		}
	}
	return "", false
}

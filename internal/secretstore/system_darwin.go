//go:build darwin

package secretstore

// System returns the platform's native secret backend.
func System() Store {
	return Keychain{}
}

//go:build !linux

package vault

import (
	"noteguard/internal/config"
	"noteguard/internal/logging"
)

// detectHardwareProvider finds no secure element on this platform; the
// software keystore is the only backend.
func detectHardwareProvider(_ config.VaultConfig, _ *logging.Logger) SecureKeyProvider {
	return nil
}

//go:build !linux && !darwin

package vault

import "context"

// platformDeviceSecure has no probe on this platform. Deployments here
// must opt in through the AssumeDeviceSecure override.
func platformDeviceSecure(_ context.Context) (bool, error) {
	return false, nil
}

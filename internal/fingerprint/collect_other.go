//go:build !linux && !darwin

package fingerprint

import (
	"errors"
	"os"
	"time"
)

// Platforms without dedicated probes degrade gracefully: the affected
// fields carry the Unavailable marker and collection reports a partial
// result instead of failing outright.

func osVersion() (string, error) {
	return "", errors.New("os version probe not supported on this platform")
}

func totalMemory() (uint64, error) {
	return 0, errors.New("memory probe not supported on this platform")
}

func machineID() (string, error) {
	return "", errors.New("machine id probe not supported on this platform")
}

func timezoneName() (string, error) {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz, nil
	}
	if name, _ := time.Now().Zone(); name != "" {
		return name, nil
	}
	return "", errors.New("timezone unavailable")
}

//go:build linux

package vault

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	login1Service      = "org.freedesktop.login1"
	login1SessionPath  = "/org/freedesktop/login1/session/auto"
	login1SessionIface = "org.freedesktop.login1.Session"
)

// platformDeviceSecure asks logind whether the calling session is a
// graphical one with lock state tracking. Headless hosts have no
// session to inspect and report not secure; the AssumeDeviceSecure
// config override exists for them.
func platformDeviceSecure(_ context.Context) (bool, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false, fmt.Errorf("vault: system bus: %w", err)
	}

	session := conn.Object(login1Service, dbus.ObjectPath(login1SessionPath))

	typeVar, err := session.GetProperty(login1SessionIface + ".Type")
	if err != nil {
		return false, fmt.Errorf("vault: session type: %w", err)
	}
	sessionType, _ := typeVar.Value().(string)
	switch sessionType {
	case "x11", "wayland", "mir":
	default:
		// tty and unspecified sessions have no lock screen.
		return false, nil
	}

	// LockedHint readable means logind tracks lock state for this
	// session, which is the closest desktop analog of "secure lock
	// screen configured". Its current value does not matter here.
	if _, err := session.GetProperty(login1SessionIface + ".LockedHint"); err != nil {
		return false, nil
	}
	return true, nil
}

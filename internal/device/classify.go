package device

import "strings"

// ─── Classification Predicates ──────────────────────────────────────────────
// Devices are classified into subsystem tables by name keyword and
// capability set during discovery. The keyword rules match what installers
// actually name their devices, including the Swedish "lås" for locks.

// IsCamera reports whether the device is a camera.
func IsCamera(r Ref) bool {
	return strings.Contains(strings.ToLower(r.Name()), "camera")
}

// IsMotionSensor reports whether the device reports motion alarms.
func IsMotionSensor(r Ref) bool {
	return r.HasCapability(CapMotion)
}

// IsContactSensor reports whether the device is a door/window sensor.
func IsContactSensor(r Ref) bool {
	return r.HasCapability(CapContact)
}

// IsLock reports whether the device is a door lock.
func IsLock(r Ref) bool {
	name := strings.ToLower(r.Name())
	return strings.Contains(name, "lock") ||
		strings.Contains(name, "lås") ||
		r.HasCapability(CapLocked)
}

// IsWaterMeter reports whether the device is a water meter.
func IsWaterMeter(r Ref) bool {
	name := strings.ToLower(r.Name())
	return strings.Contains(name, "water") && strings.Contains(name, "meter")
}

// IsLeakDetector reports whether the device detects water leaks.
func IsLeakDetector(r Ref) bool {
	name := strings.ToLower(r.Name())
	if strings.Contains(name, "leak") {
		return true
	}
	return strings.Contains(name, "water") && strings.Contains(name, "sensor")
}

// IsIrrigation reports whether the device is an irrigation actuator.
func IsIrrigation(r Ref) bool {
	name := strings.ToLower(r.Name())
	for _, kw := range []string{"sprinkler", "irrigation", "water valve"} {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

// IsSiren reports whether the device is a siren or alarm output.
func IsSiren(r Ref) bool {
	name := strings.ToLower(r.Name())
	return strings.Contains(name, "siren") || strings.Contains(name, "alarm")
}

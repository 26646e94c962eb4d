//go:build !no_mqtt

package mqtt

import (
	"strings"

	"zigbee-toolkit/internal/store"
)

// deviceDisplayName returns a human-readable name for a device.
func deviceDisplayName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if dev.Manufacturer != "" && dev.Model != "" {
		return dev.Manufacturer + " " + dev.Model
	}
	if dev.Model != "" {
		return dev.Model
	}
	return dev.IEEEAddress
}

// deviceTopicName returns the topic segment for a device: its sanitized
// friendly name, or the IEEE address without separators.
func deviceTopicName(dev *store.Device) string {
	if dev.FriendlyName == "" {
		return ieeeTopicName(dev.IEEEAddress)
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(dev.FriendlyName))
}

func ieeeTopicName(ieee string) string {
	return strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(ieee))
}

// stateProperty renames a property_update for the device state payload.
// on_off becomes the "state" key with ON/OFF values.
func stateProperty(prop string, value any) (string, any) {
	if prop != "on_off" {
		return prop, value
	}
	if on, ok := value.(bool); ok {
		if on {
			return "state", "ON"
		}
		return "state", "OFF"
	}
	return "state", value
}

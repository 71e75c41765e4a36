package tuya

import (
	"fmt"
	"math"
)

// Datapoint codes for the fan/light combo device. Values on the wire are
// the device's native ranges; the session exposes percentages.
const (
	// DPFanActive switches the fan motor (bool).
	DPFanActive = "51"

	// DPFanSpeed is the native fan speed, 1 through 6.
	DPFanSpeed = "53"

	// DPLightActive switches the light (bool).
	DPLightActive = "20"

	// DPBrightness is the native brightness, 10 through 1000.
	DPBrightness = "22"
)

// Native value ranges.
const (
	fanSpeedMin = 1
	fanSpeedMax = 6

	brightnessMin = 10
	brightnessMax = 1000
)

// initOnlyCodes are datapoints the device reports once at power-up and
// never again. A reply containing only these confirms the device is alive
// but carries no state worth caching.
var initOnlyCodes = map[string]bool{
	"101": true,
	"102": true,
	"103": true,
}

// dataCodes are the datapoints the session tracks.
var dataCodes = map[string]bool{
	DPFanActive:   true,
	DPFanSpeed:    true,
	DPLightActive: true,
	DPBrightness:  true,
}

// FanSpeedToPercent converts a native fan speed (1-6) to a percentage.
func FanSpeedToPercent(native int) float64 {
	if native < fanSpeedMin {
		native = fanSpeedMin
	}
	if native > fanSpeedMax {
		native = fanSpeedMax
	}
	return float64(native-fanSpeedMin) / float64(fanSpeedMax-fanSpeedMin) * 100
}

// PercentToFanSpeed converts a percentage to the nearest native fan speed.
func PercentToFanSpeed(pct float64) int {
	pct = clampPercent(pct)
	native := int(math.Round(pct/100*float64(fanSpeedMax-fanSpeedMin))) + fanSpeedMin
	return native
}

// BrightnessToPercent converts a native brightness (10-1000) to a percentage.
func BrightnessToPercent(native int) float64 {
	if native < brightnessMin {
		native = brightnessMin
	}
	if native > brightnessMax {
		native = brightnessMax
	}
	return float64(native-brightnessMin) / float64(brightnessMax-brightnessMin) * 100
}

// PercentToBrightness converts a percentage to the nearest native brightness.
func PercentToBrightness(pct float64) int {
	pct = clampPercent(pct)
	return int(math.Round(pct/100*float64(brightnessMax-brightnessMin))) + brightnessMin
}

func clampPercent(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// ValidateReply inspects a decoded dps map and reports whether it carries
// actionable state. A nil map is malformed. During a reconnect window, or
// when the map is empty or holds only power-up codes, the reply counts as
// proof of life without contributing data. Outside those cases at least
// one tracked datapoint must be present with the right primitive type.
func ValidateReply(dps map[string]any, reconnecting bool) (bool, error) {
	if dps == nil {
		return false, fmt.Errorf("%w: reply has no dps map", ErrMalformedReply)
	}
	if reconnecting || len(dps) == 0 {
		return false, nil
	}

	initOnly := true
	for code, raw := range dps {
		if !initOnlyCodes[code] {
			initOnly = false
		}
		switch code {
		case DPFanActive, DPLightActive:
			if _, ok := raw.(bool); ok {
				return true, nil
			}
		case DPFanSpeed, DPBrightness:
			if _, ok := toInt(raw); ok {
				return true, nil
			}
		}
	}
	if initOnly {
		return false, nil
	}
	return false, fmt.Errorf("%w: no tracked datapoints in reply", ErrMalformedReply)
}

// ApplyDPS copies tracked datapoints from a dps map onto a device state,
// converting native values to percentages. Unknown and power-up codes are
// ignored; booleans of the wrong type keep the current value; numeric
// codes of the wrong type fall back to the bottom of the native range.
// It reports whether any tracked field changed.
func ApplyDPS(state *DeviceState, dps map[string]any) bool {
	changed := false
	for code, raw := range dps {
		switch code {
		case DPFanActive:
			if v, ok := raw.(bool); ok && state.FanActive != v {
				state.FanActive = v
				changed = true
			}
		case DPFanSpeed:
			n, ok := toInt(raw)
			if !ok {
				n = fanSpeedMin
			}
			if pct := FanSpeedToPercent(n); state.FanSpeed != pct {
				state.FanSpeed = pct
				changed = true
			}
		case DPLightActive:
			if v, ok := raw.(bool); ok && state.LightActive != v {
				state.LightActive = v
				changed = true
			}
		case DPBrightness:
			n, ok := toInt(raw)
			if !ok {
				n = brightnessMin
			}
			if pct := BrightnessToPercent(n); state.Brightness != pct {
				state.Brightness = pct
				changed = true
			}
		}
	}
	return changed
}

// toInt accepts the numeric shapes json.Unmarshal produces.
func toInt(raw any) (int, bool) {
	switch v := raw.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}

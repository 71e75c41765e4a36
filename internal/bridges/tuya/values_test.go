package tuya

import (
	"errors"
	"testing"
)

func TestFanSpeedConversions(t *testing.T) {
	tests := []struct {
		native int
		pct    float64
	}{
		{1, 0},
		{2, 20},
		{4, 60},
		{6, 100},
	}

	for _, tt := range tests {
		if got := FanSpeedToPercent(tt.native); got != tt.pct {
			t.Errorf("FanSpeedToPercent(%d) = %v, want %v", tt.native, got, tt.pct)
		}
		if got := PercentToFanSpeed(tt.pct); got != tt.native {
			t.Errorf("PercentToFanSpeed(%v) = %d, want %d", tt.pct, got, tt.native)
		}
	}
}

func TestFanSpeedClamping(t *testing.T) {
	if got := PercentToFanSpeed(-10); got != fanSpeedMin {
		t.Errorf("PercentToFanSpeed(-10) = %d, want %d", got, fanSpeedMin)
	}
	if got := PercentToFanSpeed(250); got != fanSpeedMax {
		t.Errorf("PercentToFanSpeed(250) = %d, want %d", got, fanSpeedMax)
	}
	if got := FanSpeedToPercent(0); got != 0 {
		t.Errorf("FanSpeedToPercent(0) = %v, want 0", got)
	}
	if got := FanSpeedToPercent(99); got != 100 {
		t.Errorf("FanSpeedToPercent(99) = %v, want 100", got)
	}
}

func TestBrightnessConversions(t *testing.T) {
	if got := PercentToBrightness(0); got != brightnessMin {
		t.Errorf("PercentToBrightness(0) = %d, want %d", got, brightnessMin)
	}
	if got := PercentToBrightness(100); got != brightnessMax {
		t.Errorf("PercentToBrightness(100) = %d, want %d", got, brightnessMax)
	}
	// 50% must round to 505, not 500.
	if got := PercentToBrightness(50); got != 505 {
		t.Errorf("PercentToBrightness(50) = %d, want 505", got)
	}
	if got := BrightnessToPercent(10); got != 0 {
		t.Errorf("BrightnessToPercent(10) = %v, want 0", got)
	}
	if got := BrightnessToPercent(1000); got != 100 {
		t.Errorf("BrightnessToPercent(1000) = %v, want 100", got)
	}
}

func TestValidateReply(t *testing.T) {
	tests := []struct {
		name         string
		dps          map[string]any
		reconnecting bool
		hasData      bool
		wantErr      error
	}{
		{"nil map", nil, false, false, ErrMalformedReply},
		{"empty map", map[string]any{}, false, false, nil},
		{"power-up codes only", map[string]any{"101": 0, "102": "x", "103": 1}, false, false, nil},
		{"fan state", map[string]any{"51": true}, false, true, nil},
		{"mixed", map[string]any{"101": 0, "22": float64(505)}, false, true, nil},
		{"unknown codes only", map[string]any{"999": 1}, false, false, ErrMalformedReply},
		{"wrong type for switch", map[string]any{"51": "yes"}, false, false, ErrMalformedReply},
		{"wrong type for speed", map[string]any{"53": "fast"}, false, false, ErrMalformedReply},
		{"data during reconnect", map[string]any{"51": true}, true, false, nil},
		{"nil map during reconnect", nil, true, false, ErrMalformedReply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hasData, err := ValidateReply(tt.dps, tt.reconnecting)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateReply() error = %v, want %v", err, tt.wantErr)
			}
			if hasData != tt.hasData {
				t.Errorf("ValidateReply() hasData = %v, want %v", hasData, tt.hasData)
			}
		})
	}
}

func TestApplyDPS(t *testing.T) {
	state := &DeviceState{}

	changed := ApplyDPS(state, map[string]any{
		"51": true,
		"53": float64(4),
	})
	if !changed {
		t.Error("ApplyDPS() changed = false, want true")
	}
	if !state.FanActive {
		t.Error("FanActive = false, want true")
	}
	if state.FanSpeed != 60.0 {
		t.Errorf("FanSpeed = %v, want 60.0", state.FanSpeed)
	}
}

func TestApplyDPSIgnoresUnknownAndPowerUpCodes(t *testing.T) {
	state := &DeviceState{FanActive: true, FanSpeed: 60}

	changed := ApplyDPS(state, map[string]any{
		"101": float64(1),
		"999": "noise",
	})
	if changed {
		t.Error("ApplyDPS() changed = true, want false")
	}
	if !state.FanActive || state.FanSpeed != 60 {
		t.Errorf("state mutated: %+v", state)
	}
}

func TestApplyDPSNonNumericFallsToRangeBottom(t *testing.T) {
	state := &DeviceState{FanSpeed: 60, Brightness: 50}

	changed := ApplyDPS(state, map[string]any{
		"53": "fast",
		"22": true,
	})
	if !changed {
		t.Error("ApplyDPS() changed = false, want true")
	}
	if state.FanSpeed != 0 {
		t.Errorf("FanSpeed = %v, want 0", state.FanSpeed)
	}
	if state.Brightness != 0 {
		t.Errorf("Brightness = %v, want 0", state.Brightness)
	}
}

func TestApplyDPSNoChangeWhenEqual(t *testing.T) {
	state := &DeviceState{LightActive: true, Brightness: 50}

	changed := ApplyDPS(state, map[string]any{
		"20": true,
		"22": float64(505),
	})
	if changed {
		t.Error("ApplyDPS() changed = true, want false for identical values")
	}
}

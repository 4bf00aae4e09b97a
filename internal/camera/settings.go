package camera

import (
	"github.com/visionline/visiond/internal/camsdk"
	"github.com/visionline/visiond/internal/config"
)

// settingsFromConfig maps the persisted camera configuration onto the
// SDK settings block. Exposure converts from milliseconds to the
// microseconds the SDK expects; color output follows the sensor type.
func settingsFromConfig(cfg *config.CameraConfig, isColor bool) camsdk.Settings {
	return camsdk.Settings{
		BitDepth:   cfg.BitDepth,
		Color:      isColor,
		ExposureUs: cfg.ExposureMs * 1000,
		Gain:       cfg.Gain,

		Sharpness:  cfg.Sharpness,
		Contrast:   cfg.Contrast,
		Gamma:      cfg.Gamma,
		Saturation: cfg.Saturation,

		NoiseFilterEnabled: cfg.NoiseFilterEnabled,
		Denoise3DEnabled:   cfg.Denoise3DEnabled,

		AutoWhiteBalance:       cfg.AutoWhiteBalance,
		ColorTemperaturePreset: cfg.ColorTemperaturePreset,
		WBRedGain:              cfg.WBRedGain,
		WBGreenGain:            cfg.WBGreenGain,
		WBBlueGain:             cfg.WBBlueGain,

		AntiFlickerEnabled: cfg.AntiFlickerEnabled,
		LightFrequency:     cfg.LightFrequency,

		HDREnabled:  cfg.HDREnabled,
		HDRGainMode: cfg.HDRGainMode,
	}
}

package audio

import (
	"fmt"

	"github.com/gen2brain/malgo"
)

// DeviceInfo describes an available capture device.
type DeviceInfo struct {
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

// ListDevices enumerates the capture devices visible to the platform. It opens
// a short-lived audio context and never touches the engine's device claim.
func ListDevices() ([]DeviceInfo, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init context: %v", ErrInit, err)
	}
	defer func() { _ = mctx.Uninit() }()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, DeviceInfo{
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	return devices, nil
}

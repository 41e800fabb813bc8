package action

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// DeviceTagger is the slice of the device store tagging needs.
type DeviceTagger interface {
	AddTag(ctx context.Context, id, tag string) error
}

// TagDeviceExecutor adds a tag to a device record. Tagging is idempotent:
// re-adding an existing tag succeeds without change.
type TagDeviceExecutor struct {
	devices DeviceTagger
	logger  *zap.Logger
}

func NewTagDeviceExecutor(devices DeviceTagger, logger *zap.Logger) *TagDeviceExecutor {
	return &TagDeviceExecutor{
		devices: devices,
		logger:  logger.With(zap.String("component", "tag-device")),
	}
}

func (e *TagDeviceExecutor) Kind() string { return "tag-device" }

func (e *TagDeviceExecutor) Validate(params map[string]any) error {
	if _, err := stringParam(params, "device_id"); err != nil {
		return err
	}
	_, err := stringParam(params, "tag")
	return err
}

func (e *TagDeviceExecutor) Execute(ctx context.Context, params map[string]any, dryRun bool) Receipt {
	deviceID, err := stringParam(params, "device_id")
	if err != nil {
		return Receipt{Note: err.Error()}
	}
	tag, err := stringParam(params, "tag")
	if err != nil {
		return Receipt{Note: err.Error()}
	}

	if dryRun {
		return Receipt{
			Success: true,
			Note:    fmt.Sprintf("dry-run: would tag %s with %q", deviceID, tag),
		}
	}

	if err := e.devices.AddTag(ctx, deviceID, tag); err != nil {
		e.logger.Warn("tagging failed",
			zap.String("device_id", deviceID),
			zap.String("tag", tag),
			zap.Error(err))
		return Receipt{Note: fmt.Sprintf("tag device %s: %v", deviceID, err)}
	}

	e.logger.Info("device tagged",
		zap.String("device_id", deviceID),
		zap.String("tag", tag))
	return Receipt{
		Success:     true,
		SideEffects: 1,
		Note:        fmt.Sprintf("tagged %s with %q", deviceID, tag),
	}
}

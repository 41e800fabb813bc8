package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/orion-sentinel/netsec/internal/device"
)

type DeviceHandler struct {
	devices DeviceDirectory
}

func NewDeviceHandler(devices DeviceDirectory) *DeviceHandler {
	return &DeviceHandler{devices: devices}
}

func (h *DeviceHandler) Register(e *echo.Echo) {
	devices := e.Group("/api/v1/devices")
	devices.GET("", h.ListDevices)
	devices.GET("/:id", h.GetDevice)
	devices.DELETE("/:id", h.DeleteDevice)
	devices.POST("/:id/tags", h.AddTag)
	devices.DELETE("/:id/tags/:tag", h.RemoveTag)
	devices.PUT("/:id/owner", h.SetOwner)
	devices.PUT("/:id/type", h.SetType)
}

// --- Request DTOs ---

type addTagRequest struct {
	Tag string `json:"tag" validate:"required"`
}

type setOwnerRequest struct {
	Owner string `json:"owner"`
}

type setTypeRequest struct {
	Type string `json:"type" validate:"required"`
}

// --- Device Handlers ---

// ListDevices godoc
// @Summary      List inventoried devices
// @Description  Returns all devices, optionally filtered by type, tag, or untagged state.
// @ID           list-devices
// @Tags         devices
// @Produce      json
// @Param        type      query  string  false  "Device type filter"
// @Param        tag       query  string  false  "Tag filter"
// @Param        untagged  query  bool    false  "Only devices without tags"
// @Success      200  {array}   object
// @Failure      400  {object}  map[string]string  "Validation Error"
// @Failure      500  {object}  map[string]string  "Internal Error"
// @Router       /api/v1/devices [get]
func (h *DeviceHandler) ListDevices(c echo.Context) error {
	var f device.Filter

	if typ := c.QueryParam("type"); typ != "" {
		if !device.DeviceType(typ).IsValid() {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown device type"})
		}
		f.Type = device.DeviceType(typ)
	}
	f.Tag = c.QueryParam("tag")
	if raw := c.QueryParam("untagged"); raw != "" {
		untagged, err := strconv.ParseBool(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid untagged value"})
		}
		f.Untagged = untagged
	}

	list, err := h.devices.List(c.Request().Context(), f)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list devices"})
	}

	return c.JSON(http.StatusOK, list)
}

// GetDevice godoc
// @Summary      Retrieve a device
// @Description  Fetches a single device record by its stable identifier.
// @ID           get-device
// @Tags         devices
// @Produce      json
// @Param        id  path  string  true  "Device ID"
// @Success      200  {object}  object
// @Failure      404  {object}  map[string]string  "Not Found"
// @Router       /api/v1/devices/{id} [get]
func (h *DeviceHandler) GetDevice(c echo.Context) error {
	d, err := h.devices.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return deviceError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

// DeleteDevice godoc
// @Summary      Forget a device
// @Description  Removes the device record. It will be re-created on the next observation.
// @ID           delete-device
// @Tags         devices
// @Produce      json
// @Param        id  path  string  true  "Device ID"
// @Success      204  "No Content"
// @Failure      404  {object}  map[string]string  "Not Found"
// @Router       /api/v1/devices/{id} [delete]
func (h *DeviceHandler) DeleteDevice(c echo.Context) error {
	if err := h.devices.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return deviceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// AddTag godoc
// @Summary      Tag a device
// @Description  Adds a tag to the device. Adding an existing tag is a no-op.
// @ID           add-device-tag
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        id       path  string         true  "Device ID"
// @Param        request  body  addTagRequest  true  "Tag Payload"
// @Success      204  "No Content"
// @Failure      400  {object}  map[string]string  "Validation Error"
// @Failure      404  {object}  map[string]string  "Not Found"
// @Router       /api/v1/devices/{id}/tags [post]
func (h *DeviceHandler) AddTag(c echo.Context) error {
	var req addTagRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Tag == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "tag is required"})
	}

	if err := h.devices.AddTag(c.Request().Context(), c.Param("id"), req.Tag); err != nil {
		return deviceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RemoveTag godoc
// @Summary      Untag a device
// @Description  Removes a tag from the device. Removing an absent tag is a no-op.
// @ID           remove-device-tag
// @Tags         devices
// @Produce      json
// @Param        id   path  string  true  "Device ID"
// @Param        tag  path  string  true  "Tag"
// @Success      204  "No Content"
// @Failure      404  {object}  map[string]string  "Not Found"
// @Router       /api/v1/devices/{id}/tags/{tag} [delete]
func (h *DeviceHandler) RemoveTag(c echo.Context) error {
	if err := h.devices.RemoveTag(c.Request().Context(), c.Param("id"), c.Param("tag")); err != nil {
		return deviceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// SetOwner godoc
// @Summary      Assign a device owner
// @Description  Sets the owner label on the device. An empty owner clears it.
// @ID           set-device-owner
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        id       path  string           true  "Device ID"
// @Param        request  body  setOwnerRequest  true  "Owner Payload"
// @Success      200  {object}  object
// @Failure      400  {object}  map[string]string  "Validation Error"
// @Failure      404  {object}  map[string]string  "Not Found"
// @Router       /api/v1/devices/{id}/owner [put]
func (h *DeviceHandler) SetOwner(c echo.Context) error {
	var req setOwnerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	id := c.Param("id")
	if err := h.devices.SetOwner(c.Request().Context(), id, req.Owner); err != nil {
		return deviceError(c, err)
	}

	d, err := h.devices.Get(c.Request().Context(), id)
	if err != nil {
		return deviceError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

// SetType godoc
// @Summary      Override the device type
// @Description  Pins the device classification. Operator-set types are never overwritten by fingerprinting.
// @ID           set-device-type
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        id       path  string          true  "Device ID"
// @Param        request  body  setTypeRequest  true  "Type Payload"
// @Success      200  {object}  object
// @Failure      400  {object}  map[string]string  "Validation Error"
// @Failure      404  {object}  map[string]string  "Not Found"
// @Router       /api/v1/devices/{id}/type [put]
func (h *DeviceHandler) SetType(c echo.Context) error {
	var req setTypeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Type == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "type is required"})
	}

	id := c.Param("id")
	if err := h.devices.SetType(c.Request().Context(), id, device.DeviceType(req.Type)); err != nil {
		return deviceError(c, err)
	}

	d, err := h.devices.Get(c.Request().Context(), id)
	if err != nil {
		return deviceError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

// deviceError maps store errors onto HTTP responses.
func deviceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "device not found"})
	case errors.Is(err, device.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "device store failure"})
	}
}

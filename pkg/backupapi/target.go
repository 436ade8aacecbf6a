package backupapi

import (
	"context"
	"net/http"
	"net/url"

	"github.com/bizflycloud/backupd/pkg/target"
)

const usbPath = backupPath + "/usb"

// Targets lists the local, removable and cloud destinations.
func (c *Client) Targets(ctx context.Context) ([]target.Target, error) {
	var resp struct {
		Targets []target.Target `json:"targets"`
	}
	if err := c.call(ctx, http.MethodGet, backupPath+"/targets", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Targets, nil
}

// CheckTarget checks a backup directory, creating it when create is set.
func (c *Client) CheckTarget(ctx context.Context, dir string, create bool) (*target.CheckResult, error) {
	q := url.Values{"backup_dir": {dir}}
	if create {
		q.Set("create", "1")
	}
	var res target.CheckResult
	if err := c.call(ctx, http.MethodGet, backupPath+"/target-check?"+q.Encode(), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DeviceInfo describes the device at ref.
func (c *Client) DeviceInfo(ctx context.Context, ref target.DeviceRef) (*target.DeviceInfo, error) {
	q := url.Values{}
	if ref.Mountpoint != "" {
		q.Set("mountpoint", ref.Mountpoint)
	}
	if ref.Device != "" {
		q.Set("device", ref.Device)
	}
	var info target.DeviceInfo
	if err := c.call(ctx, http.MethodGet, usbPath+"/info?"+q.Encode(), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// PrepareDevice mounts a device, formatting it first when asked.
func (c *Client) PrepareDevice(ctx context.Context, req target.PrepareRequest) (*target.PrepareResult, error) {
	var res target.PrepareResult
	if err := c.call(ctx, http.MethodPost, usbPath+"/prepare", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// MountDevice mounts a device under the agent mount base.
func (c *Client) MountDevice(ctx context.Context, device string) (*target.PrepareResult, error) {
	var res target.PrepareResult
	body := map[string]string{"device": device}
	if err := c.call(ctx, http.MethodPost, usbPath+"/mount", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// EjectDevice unmounts every mountpoint of a device.
func (c *Client) EjectDevice(ctx context.Context, ref target.DeviceRef) (*target.EjectResult, error) {
	var res target.EjectResult
	if err := c.call(ctx, http.MethodPost, usbPath+"/eject", ref, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

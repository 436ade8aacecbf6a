package server

import (
	"fmt"
	"net/http"

	"github.com/bizflycloud/backupd/pkg/target"
)

type mountRequest struct {
	Device string `json:"device"`
}

// ListTargets lists the local, removable and cloud destinations.
func (s *Server) ListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.resolver.ListTargets(r.Context(), s.settings.Get().CloudConfig())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"targets": targets})
}

// CheckTarget checks backup_dir, creating it when create is set.
func (s *Server) CheckTarget(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("backup_dir")
	if dir == "" {
		s.writeError(w, fmt.Errorf("%w: backup_dir is required", errBadRequest))
		return
	}
	create := false
	switch r.URL.Query().Get("create") {
	case "1", "true", "yes":
		create = true
	}
	res, err := s.resolver.CheckTarget(dir, create)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// DeviceInfo describes the device at mountpoint or device.
func (s *Server) DeviceInfo(w http.ResponseWriter, r *http.Request) {
	ref := target.DeviceRef{
		Mountpoint: r.URL.Query().Get("mountpoint"),
		Device:     r.URL.Query().Get("device"),
	}
	info, err := s.resolver.DeviceInfo(r.Context(), ref)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// PrepareDevice mounts a device, formatting it first when asked and confirmed.
func (s *Server) PrepareDevice(w http.ResponseWriter, r *http.Request) {
	var req target.PrepareRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.resolver.Prepare(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// MountDevice mounts a device under the mount base.
func (s *Server) MountDevice(w http.ResponseWriter, r *http.Request) {
	var req mountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Device == "" {
		s.writeError(w, fmt.Errorf("%w: device is required", errBadRequest))
		return
	}
	res, err := s.resolver.Mount(r.Context(), req.Device)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// EjectDevice unmounts every mountpoint of a device. Mountpoints left behind
// are reported with 409 and still_mounted.
func (s *Server) EjectDevice(w http.ResponseWriter, r *http.Request) {
	var ref target.DeviceRef
	if err := decode(r, &ref); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.resolver.Eject(r.Context(), ref)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

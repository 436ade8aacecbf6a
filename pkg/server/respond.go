package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/credential"
	"github.com/bizflycloud/backupd/pkg/job"
	"github.com/bizflycloud/backupd/pkg/pipeline"
	"github.com/bizflycloud/backupd/pkg/retention"
	"github.com/bizflycloud/backupd/pkg/settings"
	"github.com/bizflycloud/backupd/pkg/storage_vault"
	"github.com/bizflycloud/backupd/pkg/target"
	"github.com/bizflycloud/backupd/pkg/verify"
)

const maxBodyBytes = 1 << 20

var (
	errShuttingDown  = errors.New("server is shutting down")
	errBadRequest    = errors.New("bad request")
	errBusy          = errors.New("artifact is in use")
	errCloudDisabled = errors.New("cloud storage is not configured")
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Status               string   `json:"status"`
	Message              string   `json:"message"`
	RequiresSudoPassword bool     `json:"requires_sudo_password,omitempty"`
	StillMounted         []string `json:"still_mounted,omitempty"`
	Check                string   `json:"check,omitempty"`
	Hints                []string `json:"hints,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Writing response failed", zap.Error(err))
	}
}

// writeError maps err to a status code and writes the error body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Status: "error", Message: err.Error()}
	code := http.StatusInternalServerError

	var (
		validationErr *job.ValidationError
		checkErr      *target.CheckError
		confirmErr    *target.ConfirmationError
		conflictErr   *target.MountConflictError
		providerErr   *storage_vault.ProviderError
	)
	switch {
	case errors.As(err, &conflictErr):
		code = http.StatusConflict
		resp.StillMounted = conflictErr.Mounts
	case errors.As(err, &confirmErr), errors.Is(err, target.ErrUnsafeDevice):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, credential.ErrRequired), errors.Is(err, credential.ErrRejected):
		code = http.StatusUnauthorized
		resp.RequiresSudoPassword = true
	case errors.As(err, &validationErr):
		code = http.StatusBadRequest
	case errors.As(err, &checkErr):
		code = http.StatusBadRequest
		resp.Check = checkErr.Check
		resp.Hints = checkErr.Hints
	case errors.Is(err, job.ErrDuplicate), errors.Is(err, errBusy):
		code = http.StatusConflict
	case errors.Is(err, job.ErrNotFound),
		errors.Is(err, retention.ErrRuleNotFound),
		errors.Is(err, target.ErrDeviceNotFound),
		errors.Is(err, storage_vault.ErrNotFound),
		errors.Is(err, os.ErrNotExist):
		code = http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, errCloudDisabled),
		errors.Is(err, settings.ErrInvalid),
		errors.Is(err, target.ErrInvalidDestination),
		errors.Is(err, storage_vault.ErrMissingField),
		errors.Is(err, storage_vault.ErrUnknownProvider),
		errors.Is(err, verify.ErrUnknownMode),
		errors.Is(err, pipeline.ErrNotArtifact),
		errors.Is(err, credential.ErrEmpty):
		code = http.StatusBadRequest
	case errors.Is(err, errShuttingDown), errors.Is(err, job.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.As(err, &providerErr) && providerErr.StatusCode != 0:
		code = http.StatusBadGateway
	}

	if code >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Int("status", code), zap.Error(err))
	}
	s.writeJSON(w, code, resp)
}

// decode reads a JSON body into v.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

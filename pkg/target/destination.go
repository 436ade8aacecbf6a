package target

import (
	"github.com/bizflycloud/backupd/pkg/storage_vault"
)

// Kind is the kind of a backup destination.
type Kind string

const (
	KindLocal     Kind = "local"
	KindRemovable Kind = "removable"
	KindCloud     Kind = "cloud"
)

// DefaultSubdir is created inside a removable mountpoint to hold artifacts.
const DefaultSubdir = "backupd-backups"

// Destination describes where a job writes its artifact.
//
// Local destinations use Path. Removable destinations set exactly one of
// Mountpoint or Device. Cloud destinations use Cloud for the provider and
// Path as the local staging directory for the archive.
type Destination struct {
	Kind Kind   `json:"kind" yaml:"kind" validate:"required,oneof=local removable cloud"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	Mountpoint string `json:"mountpoint,omitempty" yaml:"mountpoint,omitempty"`
	Device     string `json:"device,omitempty" yaml:"device,omitempty"`
	Label      string `json:"label,omitempty" yaml:"label,omitempty"`
	FSType     string `json:"fs_type,omitempty" yaml:"fs_type,omitempty"`
	Size       int64  `json:"size,omitempty" yaml:"size,omitempty"`
	Subdir     string `json:"subdir,omitempty" yaml:"subdir,omitempty"`

	// Checked by storage_vault.Config.Validate.
	Cloud *storage_vault.Config `json:"cloud,omitempty" yaml:"cloud,omitempty" validate:"-"`
}

// Resolved is a destination checked and ready for a pipeline run.
type Resolved struct {
	Kind       Kind
	Dir        string
	FreeBytes  uint64
	TotalBytes uint64

	// Vault and Cloud are set for cloud destinations only.
	Vault storage_vault.StorageVault
	Cloud storage_vault.Config
}

// CheckResult is the outcome of probing a local directory.
type CheckResult struct {
	Path       string `json:"path"`
	Exists     bool   `json:"exists"`
	IsDir      bool   `json:"is_dir"`
	Writable   bool   `json:"writable"`
	Created    bool   `json:"created,omitempty"`
	FreeBytes  uint64 `json:"free_bytes"`
	TotalBytes uint64 `json:"total_bytes"`
}

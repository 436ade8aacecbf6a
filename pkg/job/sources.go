package job

import (
	"path/filepath"

	"github.com/bizflycloud/backupd/pkg/pipeline"
)

// PersonalDataset is the built-in dataset used by personal backups.
const PersonalDataset = "personal_default"

// PersonalFolders are the folders of PersonalDataset, under every home directory.
var PersonalFolders = []string{"Downloads", "Documents", "Pictures", "Images", "Videos", "Desktop"}

// PersonalSources returns the glob patterns of PersonalDataset.
func PersonalSources() []string {
	out := make([]string, 0, len(PersonalFolders))
	for _, f := range PersonalFolders {
		out = append(out, filepath.Join("/home/*", f))
	}
	return out
}

var dataSources = []string{"/home", "/etc", "/srv", "/var/www", "/opt"}

// DatasetLookup returns the folders of a named dataset.
type DatasetLookup func(name string) ([]string, bool)

// sources picks what a backup archives: explicit sources first, then the
// named dataset, then the default set of the backup type.
func (m *Manager) sources(spec Spec) (sources, excludes []string) {
	excludes = append(excludes, spec.Excludes...)
	if spec.Type == pipeline.TypeFull || spec.Type == pipeline.TypeIncremental {
		excludes = append(excludes, pipeline.DefaultSystemExcludes...)
	}
	if len(spec.Sources) > 0 {
		return spec.Sources, excludes
	}
	if spec.Dataset != "" {
		if folders, ok := m.dataset(spec.Dataset); ok {
			return folders, excludes
		}
	}
	switch spec.Type {
	case pipeline.TypeFull, pipeline.TypeIncremental:
		return []string{"/"}, excludes
	case pipeline.TypeData:
		return dataSources, excludes
	}
	folders, _ := m.dataset(PersonalDataset)
	return folders, excludes
}

func (m *Manager) dataset(name string) ([]string, bool) {
	if m.datasets != nil {
		if folders, ok := m.datasets(name); ok {
			return folders, true
		}
	}
	if name == PersonalDataset {
		return PersonalSources(), true
	}
	return nil, false
}

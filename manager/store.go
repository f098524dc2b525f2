package manager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/INLOpen/nexushistory/sys"
	"gopkg.in/yaml.v3"
)

const (
	loggerMapFile         = "logger_map.yaml"
	maintainedDevicesFile = "maintained_devices.yaml"
)

// State is the persisted part of the manager.
type State struct {
	// Assignments maps logger id to host id.
	Assignments map[string]string
	// Maintained lists every device that ever had a logger.
	Maintained []string
}

// Store persists manager state across restarts.
type Store interface {
	Load() (State, error)
	SaveAssignments(assignments map[string]string) error
	SaveMaintained(devices []string) error
	Close() error
}

// FileStore keeps the state in two YAML files in a directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create manager state dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

type loggerMapDoc struct {
	Loggers map[string]string `yaml:"loggers"`
}

type maintainedDoc struct {
	Devices []string `yaml:"devices"`
}

func (s *FileStore) Load() (State, error) {
	st := State{Assignments: make(map[string]string)}

	var lm loggerMapDoc
	if err := readYAML(filepath.Join(s.dir, loggerMapFile), &lm); err != nil {
		return st, err
	}
	for k, v := range lm.Loggers {
		st.Assignments[k] = v
	}

	var md maintainedDoc
	if err := readYAML(filepath.Join(s.dir, maintainedDevicesFile), &md); err != nil {
		return st, err
	}
	st.Maintained = md.Devices
	return st, nil
}

func (s *FileStore) SaveAssignments(assignments map[string]string) error {
	return writeYAML(filepath.Join(s.dir, loggerMapFile), loggerMapDoc{Loggers: assignments})
}

func (s *FileStore) SaveMaintained(devices []string) error {
	sorted := append([]string(nil), devices...)
	sort.Strings(sorted)
	return writeYAML(filepath.Join(s.dir, maintainedDevicesFile), maintainedDoc{Devices: sorted})
}

func (s *FileStore) Close() error { return nil }

func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func writeYAML(path string, in interface{}) error {
	data, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := sys.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Package archive implements the per-device log writer and the on-disk layout
// shared with the query and backfill packages.
//
// Layout per device under the archive root:
//
//	<root>/<deviceId>/raw/archive_<n>.txt            raw log, one pipe-delimited line per change
//	<root>/<deviceId>/raw/archive_index.txt          content index (+LOG, -LOG, =NEW)
//	<root>/<deviceId>/raw/archive.last               index of the raw file currently written
//	<root>/<deviceId>/raw/archive_schema.txt         schema snapshots
//	<root>/<deviceId>/raw/properties_with_index.txt  properties with a fine index
//	<root>/<deviceId>/idx/archive_<n>-<prop>-index.bin
package archive

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/INLOpen/nexushistory/record"
	"github.com/INLOpen/nexushistory/sys"
)

const (
	rawDirName        = "raw"
	idxDirName        = "idx"
	contentIndexName  = "archive_index.txt"
	lastIndexName     = "archive.last"
	schemaName        = "archive_schema.txt"
	indexedPropsName  = "properties_with_index.txt"
	loggerLockName    = ".logger.lock"
	rawFilePrefix     = "archive_"
	rawFileSuffix     = ".txt"
	fineIndexSuffix   = "-index.bin"
	propsLockRetries  = 50
	propsLockInterval = 20 * time.Millisecond
)

// Layout resolves file paths below an archive root directory.
type Layout struct {
	Root string
}

func (l Layout) DeviceDir(deviceID string) string {
	return filepath.Join(l.Root, filepath.FromSlash(deviceID))
}

func (l Layout) RawDir(deviceID string) string {
	return filepath.Join(l.DeviceDir(deviceID), rawDirName)
}

func (l Layout) IdxDir(deviceID string) string {
	return filepath.Join(l.DeviceDir(deviceID), idxDirName)
}

func (l Layout) RawFile(deviceID string, fileIndex int) string {
	return filepath.Join(l.RawDir(deviceID), rawFilePrefix+strconv.Itoa(fileIndex)+rawFileSuffix)
}

func (l Layout) ContentIndex(deviceID string) string {
	return filepath.Join(l.RawDir(deviceID), contentIndexName)
}

func (l Layout) LastIndex(deviceID string) string {
	return filepath.Join(l.RawDir(deviceID), lastIndexName)
}

func (l Layout) SchemaFile(deviceID string) string {
	return filepath.Join(l.RawDir(deviceID), schemaName)
}

func (l Layout) IndexedProperties(deviceID string) string {
	return filepath.Join(l.RawDir(deviceID), indexedPropsName)
}

func (l Layout) loggerLock(deviceID string) string {
	return filepath.Join(l.RawDir(deviceID), loggerLockName)
}

// FineIndex is the binary index of one property within one raw file.
func (l Layout) FineIndex(deviceID string, fileIndex int, property string) string {
	name := rawFilePrefix + strconv.Itoa(fileIndex) + "-" + property + fineIndexSuffix
	return filepath.Join(l.IdxDir(deviceID), name)
}

// ReadLastIndex returns the persisted index of the raw file currently written.
// A missing pointer file means nothing was written yet and yields 0.
func (l Layout) ReadLastIndex(deviceID string) (int, error) {
	data, err := os.ReadFile(l.LastIndex(deviceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read last index for %s: %w", deviceID, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("corrupt last index file for %s: %q", deviceID, string(data))
	}
	return n, nil
}

// WriteLastIndex persists the raw file pointer atomically.
func (l Layout) WriteLastIndex(deviceID string, n int) error {
	return sys.WriteFileAtomic(l.LastIndex(deviceID), []byte(strconv.Itoa(n)+"\n"), 0644)
}

// IndexedPropertiesStamp identifies a version of properties_with_index.txt.
type IndexedPropertiesStamp struct {
	Size    int64
	ModTime time.Time
}

// StatIndexedProperties returns the current stamp; a missing file has the zero stamp.
func (l Layout) StatIndexedProperties(deviceID string) (IndexedPropertiesStamp, error) {
	info, err := os.Stat(l.IndexedProperties(deviceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return IndexedPropertiesStamp{}, nil
		}
		return IndexedPropertiesStamp{}, err
	}
	return IndexedPropertiesStamp{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// ReadIndexedProperties returns the set of properties that get a fine index.
func (l Layout) ReadIndexedProperties(deviceID string) (map[string]struct{}, error) {
	props := make(map[string]struct{})
	f, err := os.Open(l.IndexedProperties(deviceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return props, nil
		}
		return nil, fmt.Errorf("failed to open indexed properties for %s: %w", deviceID, err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if p := strings.TrimSpace(sc.Text()); p != "" {
			props[p] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read indexed properties for %s: %w", deviceID, err)
	}
	return props, nil
}

// RegisterIndexedProperty appends property to properties_with_index.txt unless it
// is already listed. It reports whether the property was newly added. Concurrent
// registrations from several readers are serialized with a lock file.
func (l Layout) RegisterIndexedProperty(deviceID, property string) (bool, error) {
	if err := os.MkdirAll(l.RawDir(deviceID), 0755); err != nil {
		return false, fmt.Errorf("failed to create raw dir for %s: %w", deviceID, err)
	}
	path := l.IndexedProperties(deviceID)
	release, err := sys.AcquireFileLock(path, propsLockRetries, propsLockInterval, sys.DefaultLockStaleTTL)
	if err != nil {
		return false, fmt.Errorf("failed to lock indexed properties for %s: %w", deviceID, err)
	}
	defer release()

	props, err := l.ReadIndexedProperties(deviceID)
	if err != nil {
		return false, err
	}
	if _, ok := props[property]; ok {
		return false, nil
	}
	f, err := sys.OpenAppend(path)
	if err != nil {
		return false, fmt.Errorf("failed to open indexed properties for %s: %w", deviceID, err)
	}
	if _, err := f.WriteString(property + "\n"); err != nil {
		f.Close()
		return false, fmt.Errorf("failed to append indexed property %s: %w", property, err)
	}
	return true, f.Close()
}

// ReadContentIndex loads a device's content index. A missing file yields no entries.
func (l Layout) ReadContentIndex(deviceID string) ([]record.ContentEntry, int, error) {
	f, err := os.Open(l.ContentIndex(deviceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open content index for %s: %w", deviceID, err)
	}
	defer f.Close()
	return record.ReadContentIndex(f)
}

// ReadSchemas loads all schema snapshots in file order, skipping malformed lines.
func (l Layout) ReadSchemas(deviceID string) ([]record.SchemaEntry, int, error) {
	f, err := os.Open(l.SchemaFile(deviceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open schema file for %s: %w", deviceID, err)
	}
	defer f.Close()

	var entries []record.SchemaEntry
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := record.ParseSchemaEntry(line)
		if err != nil {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, skipped, fmt.Errorf("failed to read schema file for %s: %w", deviceID, err)
	}
	return entries, skipped, nil
}

// appendLine appends one line to path, creating the file if needed.
func appendLine(path, line string) error {
	f, err := sys.OpenAppend(path)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

package record

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/INLOpen/nexushistory/core"
)

// ContentEvent is the kind of a content index entry.
type ContentEvent string

const (
	EventLogin  ContentEvent = "+LOG"
	EventLogout ContentEvent = "-LOG"
	EventNew    ContentEvent = "=NEW"
)

const contentEntryFields = 7

// ErrBadContentEntry is returned for content index lines that cannot be parsed.
var ErrBadContentEntry = errors.New("malformed content index entry")

// ContentEntry is one line of a device's content index (archive_index.txt).
type ContentEntry struct {
	Event     ContentEvent
	Timestamp core.Timestamp
	Offset    int64
	User      string
	FileIndex int
}

// Micros is the entry time in microseconds, the resolution of the on-disk epoch.
func (e ContentEntry) Micros() int64 {
	return e.Timestamp.Micros()
}

// String encodes the entry without a trailing newline:
// "<event> <iso> <epoch> <trainId> <offset> <user> <fileIndex>".
func (e ContentEntry) String() string {
	user := e.User
	if user == "" {
		user = "."
	}
	user = strings.ReplaceAll(user, " ", "_")
	return fmt.Sprintf("%s %s %s %d %d %s %d",
		e.Event, e.Timestamp.ISO8601(), e.Timestamp.EpochString(), e.Timestamp.TrainID, e.Offset, user, e.FileIndex)
}

// ParseContentEntry decodes one content index line.
func ParseContentEntry(line string) (ContentEntry, error) {
	fields := strings.Fields(line)
	if len(fields) != contentEntryFields {
		return ContentEntry{}, fmt.Errorf("%w: %d fields in %q", ErrBadContentEntry, len(fields), line)
	}
	ev := ContentEvent(fields[0])
	switch ev {
	case EventLogin, EventLogout, EventNew:
	default:
		return ContentEntry{}, fmt.Errorf("%w: unknown event %q", ErrBadContentEntry, fields[0])
	}
	micros, err := core.ParseEpochMicros(fields[2])
	if err != nil {
		return ContentEntry{}, fmt.Errorf("%w: %v", ErrBadContentEntry, err)
	}
	trainID, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return ContentEntry{}, fmt.Errorf("%w: train id: %v", ErrBadContentEntry, err)
	}
	offset, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return ContentEntry{}, fmt.Errorf("%w: offset: %v", ErrBadContentEntry, err)
	}
	fileIndex, err := strconv.Atoi(fields[6])
	if err != nil {
		return ContentEntry{}, fmt.Errorf("%w: file index: %v", ErrBadContentEntry, err)
	}
	ts := core.TimestampFromMicros(micros)
	ts.TrainID = trainID
	user := fields[5]
	if user == "." {
		user = ""
	}
	return ContentEntry{Event: ev, Timestamp: ts, Offset: offset, User: user, FileIndex: fileIndex}, nil
}

// ReadContentIndex reads all entries, skipping malformed lines. skipped reports how
// many lines were ignored so the caller can log them.
func ReadContentIndex(r io.Reader) (entries []ContentEntry, skipped int, err error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		e, perr := ParseContentEntry(line)
		if perr != nil {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, skipped, fmt.Errorf("failed to read content index: %w", err)
	}
	return entries, skipped, nil
}

// SchemaEntry is one line of the schema snapshot file.
type SchemaEntry struct {
	Timestamp core.Timestamp
	Schema    *core.Schema
}

// Encode formats "<seconds> <fraction> <trainId> <schema>".
func (e SchemaEntry) Encode() (string, error) {
	data, err := e.Schema.Marshal()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d %d %s", e.Timestamp.Seconds, e.Timestamp.Fraction, e.Timestamp.TrainID, data), nil
}

// ParseSchemaEntry decodes one schema snapshot line.
func ParseSchemaEntry(line string) (SchemaEntry, error) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 4)
	if len(parts) != 4 {
		return SchemaEntry{}, fmt.Errorf("malformed schema entry: %d fields", len(parts))
	}
	var ts core.Timestamp
	var err error
	if ts.Seconds, err = strconv.ParseUint(parts[0], 10, 64); err != nil {
		return SchemaEntry{}, fmt.Errorf("malformed schema entry seconds: %w", err)
	}
	if ts.Fraction, err = strconv.ParseUint(parts[1], 10, 64); err != nil {
		return SchemaEntry{}, fmt.Errorf("malformed schema entry fraction: %w", err)
	}
	if ts.TrainID, err = strconv.ParseUint(parts[2], 10, 64); err != nil {
		return SchemaEntry{}, fmt.Errorf("malformed schema entry train id: %w", err)
	}
	schema, err := core.ParseSchema([]byte(parts[3]))
	if err != nil {
		return SchemaEntry{}, err
	}
	return SchemaEntry{Timestamp: ts, Schema: schema}, nil
}

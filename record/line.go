package record

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/INLOpen/nexushistory/core"
)

// LineFlag marks the session state of a raw log line.
type LineFlag string

const (
	FlagLogin  LineFlag = "LOGIN"
	FlagNew    LineFlag = "NEW"
	FlagValid  LineFlag = "VALID"
	FlagLogout LineFlag = "LOGOUT"
)

// RawLineFields is the number of '|' separated fields of a raw log line.
const RawLineFields = 10

// LogoutPath is the path recorded on LOGOUT lines.
const LogoutPath = "."

var (
	ErrFieldCount = errors.New("wrong number of fields in raw line")
	ErrBadFlag    = errors.New("unknown raw line flag")
)

// RawLine is one parsed line of a raw archive file.
type RawLine struct {
	Timestamp core.Timestamp
	Path      string
	Type      string
	Value     string
	User      string
	Flag      LineFlag
}

// FromEvent builds a raw line for a change event.
func FromEvent(ev core.ChangeEvent, flag LineFlag) RawLine {
	return RawLine{
		Timestamp: ev.Timestamp,
		Path:      ev.Path,
		Type:      ev.Type,
		Value:     ev.Value,
		User:      ev.User,
		Flag:      flag,
	}
}

// LogoutLine builds the LOGOUT line written on discontinuation.
func LogoutLine(ts core.Timestamp, user string) RawLine {
	return RawLine{Timestamp: ts, Path: LogoutPath, Type: core.TypeNone, User: user, Flag: FlagLogout}
}

// AppendTo appends the encoded line, including the trailing newline, to dst.
func (l RawLine) AppendTo(dst []byte) []byte {
	ts := l.Timestamp
	dst = append(dst, ts.ISO8601()...)
	dst = append(dst, '|')
	dst = append(dst, ts.EpochString()...)
	dst = append(dst, '|')
	dst = strconv.AppendUint(dst, ts.Seconds, 10)
	dst = append(dst, '|')
	dst = strconv.AppendUint(dst, ts.Fraction, 10)
	dst = append(dst, '|')
	dst = strconv.AppendUint(dst, ts.TrainID, 10)
	dst = append(dst, '|')
	dst = appendEscaped(dst, l.Path)
	dst = append(dst, '|')
	dst = appendEscaped(dst, l.Type)
	dst = append(dst, '|')
	dst = appendEscaped(dst, l.Value)
	dst = append(dst, '|')
	dst = appendEscaped(dst, l.User)
	dst = append(dst, '|')
	dst = append(dst, l.Flag...)
	return append(dst, '\n')
}

// String returns the encoded line without the trailing newline.
func (l RawLine) String() string {
	b := l.AppendTo(nil)
	return string(b[:len(b)-1])
}

// ParseRawLine decodes one raw line. The trailing newline is optional.
func ParseRawLine(line string) (RawLine, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := splitEscaped(line)
	if len(fields) != RawLineFields {
		return RawLine{}, fmt.Errorf("%w: got %d, want %d", ErrFieldCount, len(fields), RawLineFields)
	}
	seconds, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return RawLine{}, fmt.Errorf("invalid seconds field %q: %w", fields[2], err)
	}
	fraction, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return RawLine{}, fmt.Errorf("invalid fraction field %q: %w", fields[3], err)
	}
	trainID, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return RawLine{}, fmt.Errorf("invalid train id field %q: %w", fields[4], err)
	}
	flag := LineFlag(fields[9])
	switch flag {
	case FlagLogin, FlagNew, FlagValid, FlagLogout:
	default:
		return RawLine{}, fmt.Errorf("%w: %q", ErrBadFlag, fields[9])
	}
	return RawLine{
		Timestamp: core.Timestamp{Seconds: seconds, Fraction: fraction, TrainID: trainID},
		Path:      unescape(fields[5]),
		Type:      unescape(fields[6]),
		Value:     unescape(fields[7]),
		User:      unescape(fields[8]),
		Flag:      flag,
	}, nil
}

func appendEscaped(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			dst = append(dst, '\\', '\\')
		case '|':
			dst = append(dst, '\\', '|')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		default:
			dst = append(dst, c)
		}
	}
	return dst
}

// EscapeValue escapes a value so it fits in a single raw-line field.
func EscapeValue(s string) string {
	return string(appendEscaped(nil, s))
}

// splitEscaped splits on '|' that are not preceded by an escaping backslash.
// Escape sequences are preserved in the returned fields.
func splitEscaped(s string) []string {
	fields := make([]string, 0, RawLineFields)
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '|':
			fields = append(fields, s[start:i])
			start = i + 1
		}
	}
	return append(fields, s[start:])
}

func unescape(s string) string {
	if strings.IndexByte(s, '\\') < 0 {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		default:
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}

package record

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/INLOpen/nexushistory/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexRecord_Layout(t *testing.T) {
	ts := core.Timestamp{Seconds: 1700000000, Fraction: 250_000_000_000_000_000, TrainID: 77}
	rec := NewIndexRecord(ts, 4096, true)

	buf := rec.Marshal()
	require.Len(t, buf, IndexRecordSize)

	decoded, err := UnmarshalIndexRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
	assert.True(t, decoded.Flags.Has(FlagFirstAfterNew))
	assert.Equal(t, int64(1700000000250), decoded.EpochMillis())

	t.Run("flag lives in bit 23 of the second extent", func(t *testing.T) {
		plain := NewIndexRecord(ts, 4096, false).Marshal()
		assert.Equal(t, buf[:28], plain[:28])
		assert.NotEqual(t, buf[28:32], plain[28:32])
		assert.Equal(t, []byte{0, 0, 0, 0}, plain[28:32])
	})

	t.Run("extent1 is truncated to 24 bits", func(t *testing.T) {
		r := IndexRecord{Extent1: 0xFFFFFFFF}
		d, err := UnmarshalIndexRecord(r.Marshal())
		require.NoError(t, err)
		assert.Equal(t, uint32(0x00FFFFFF), d.Extent1)
	})

	t.Run("short buffer", func(t *testing.T) {
		_, err := UnmarshalIndexRecord(buf[:10])
		assert.True(t, errors.Is(err, ErrShortRecord))
	})
}

func TestIndexWriterAndReader(t *testing.T) {
	var buf bytes.Buffer
	w := NewIndexWriter(&buf)
	for i := 0; i < 5; i++ {
		ts := core.TimestampFromMicros(int64(1_000_000 * (i + 1)))
		require.NoError(t, w.Write(NewIndexRecord(ts, int64(i*100), i == 0)))
	}
	// A torn trailing write must be ignored.
	buf.Write([]byte{1, 2, 3})

	data := buf.Bytes()
	assert.Equal(t, int64(5), RecordCount(int64(len(data))))

	r := bytes.NewReader(data)
	third, err := ReadIndexRecordAt(r, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), third.Position)
	assert.InDelta(t, 3.0, third.Epoch, 1e-9)

	all, err := ReadIndexRecords(r, 0, 5)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.True(t, all[0].Flags.Has(FlagFirstAfterNew))
	assert.False(t, all[1].Flags.Has(FlagFirstAfterNew))
	assert.Equal(t, uint64(400), all[4].Position)
}

func TestRawLine_EncodeParse(t *testing.T) {
	ev := core.ChangeEvent{
		Path:      "motor.position",
		Type:      core.TypeDouble,
		Value:     "12.5",
		Timestamp: core.Timestamp{Seconds: 1700000000, Fraction: 123456_000_000_000_000, TrainID: 9},
		User:      "operator",
	}
	line := FromEvent(ev, FlagValid)
	encoded := line.String()

	assert.Equal(t, "20231114T221320.123456Z|1700000000.123456|1700000000|123456000000000000|9|motor.position|DOUBLE|12.5|operator|VALID", encoded)
	assert.Len(t, strings.Split(encoded, "|"), RawLineFields)

	parsed, err := ParseRawLine(encoded + "\n")
	require.NoError(t, err)
	assert.Equal(t, line, parsed)
}

func TestRawLine_Escaping(t *testing.T) {
	line := RawLine{
		Timestamp: core.TimestampFromMicros(1),
		Path:      "description",
		Type:      core.TypeString,
		Value:     "a|b\\c\nd",
		User:      "x|y",
		Flag:      FlagNew,
	}
	encoded := line.AppendTo(nil)
	assert.Equal(t, 1, bytes.Count(encoded, []byte("\n")), "escaped value must not introduce newlines")

	parsed, err := ParseRawLine(string(encoded))
	require.NoError(t, err)
	assert.Equal(t, line.Value, parsed.Value)
	assert.Equal(t, line.User, parsed.User)
	assert.Equal(t, `a\|b\\c\nd`, EscapeValue(line.Value))
}

func TestRawLine_EscapesType(t *testing.T) {
	line := RawLine{
		Timestamp: core.TimestampFromMicros(1),
		Path:      "state",
		Type:      "VECTOR|STRING\n",
		Value:     "ON",
		Flag:      FlagValid,
	}
	encoded := line.AppendTo(nil)
	assert.Equal(t, 1, bytes.Count(encoded, []byte("\n")))

	parsed, err := ParseRawLine(string(encoded))
	require.NoError(t, err)
	assert.Equal(t, line.Type, parsed.Type)
	assert.Equal(t, line.Value, parsed.Value)
}

func TestParseRawLine_Errors(t *testing.T) {
	t.Run("eight fields", func(t *testing.T) {
		_, err := ParseRawLine("a|b|c|d|e|f|g|h")
		assert.True(t, errors.Is(err, ErrFieldCount))
	})
	t.Run("bad flag", func(t *testing.T) {
		_, err := ParseRawLine("20231114T221320.000000Z|1.0|1|0|0|p|INT32|1|u|WHAT")
		assert.True(t, errors.Is(err, ErrBadFlag))
	})
	t.Run("bad seconds", func(t *testing.T) {
		_, err := ParseRawLine("20231114T221320.000000Z|1.0|x|0|0|p|INT32|1|u|VALID")
		assert.Error(t, err)
	})
}

func TestLogoutLine(t *testing.T) {
	ts := core.TimestampFromMicros(5_000_000)
	l := LogoutLine(ts, "")
	parsed, err := ParseRawLine(l.String())
	require.NoError(t, err)
	assert.Equal(t, FlagLogout, parsed.Flag)
	assert.Equal(t, LogoutPath, parsed.Path)
	assert.Equal(t, core.TypeNone, parsed.Type)
	assert.Empty(t, parsed.Value)
}

func TestContentEntry(t *testing.T) {
	e := ContentEntry{
		Event:     EventNew,
		Timestamp: core.Timestamp{Seconds: 1700000000, Fraction: 500_000_000_000_000_000, TrainID: 3},
		Offset:    0,
		User:      "",
		FileIndex: 4,
	}
	line := e.String()
	assert.Equal(t, "=NEW 20231114T221320.500000Z 1700000000.500000 3 0 . 4", line)

	parsed, err := ParseContentEntry(line)
	require.NoError(t, err)
	assert.Equal(t, e, parsed)

	input := strings.Join([]string{
		"+LOG 20231114T221320.000000Z 1700000000.000000 0 0 op 0",
		"garbage line",
		"",
		e.String(),
		"-LOG 20231114T221321.000000Z 1700000001.000000 0 200 reason:x 4",
	}, "\n")
	entries, skipped, err := ReadContentIndex(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, entries, 3)
	assert.Equal(t, EventLogin, entries[0].Event)
	assert.Equal(t, "op", entries[0].User)
	assert.Equal(t, EventLogout, entries[2].Event)
	assert.Equal(t, int64(200), entries[2].Offset)
	assert.Equal(t, "reason:x", entries[2].User)
}

func TestSchemaEntry(t *testing.T) {
	s := core.NewSchema("Motor").Set("position", core.TypeDouble, core.ArchiveEveryEvent)
	e := SchemaEntry{Timestamp: core.Timestamp{Seconds: 10, Fraction: 20, TrainID: 30}, Schema: s}
	line, err := e.Encode()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "10 20 30 {"))

	parsed, err := ParseSchemaEntry(line)
	require.NoError(t, err)
	assert.Equal(t, e, parsed)

	_, err = ParseSchemaEntry("10 20")
	assert.Error(t, err)
}

// Package record holds the on-disk encodings of the history archive: the binary
// fine index record, the pipe-delimited raw log line, the content index entry and
// the schema snapshot line. Nothing in here performs I/O beyond io.Reader/io.Writer.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/INLOpen/nexushistory/core"
)

// IndexRecordSize is the encoded size of an IndexRecord in bytes.
const IndexRecordSize = 32

const (
	// extent fields are 24-bit tags stored in 32-bit slots.
	extentMask       uint32 = 0x00FFFFFF
	firstAfterNewBit uint32 = 1 << 23
)

// ErrShortRecord is returned when fewer than IndexRecordSize bytes are available.
var ErrShortRecord = errors.New("short index record")

// Flags carries boolean markers of an index record.
type Flags uint8

const (
	// FlagFirstAfterNew marks the first record written into a fine index since the
	// logger opened it. Down-sampling never drops such records.
	FlagFirstAfterNew Flags = 1 << iota
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// IndexRecord is one entry of a per-property fine index. Position is the byte
// offset of the corresponding line in the raw file.
type IndexRecord struct {
	Epoch    float64
	TrainID  uint64
	Position uint64
	Extent1  uint32
	Flags    Flags
}

// EpochMillis returns the record's timestamp rounded to the millisecond, the
// resolution used for binary search.
func (r IndexRecord) EpochMillis() int64 {
	return int64(math.Round(r.Epoch * 1000))
}

// extent2 packs Flags into the 24-bit second tag of the on-disk layout.
func (r IndexRecord) extent2() uint32 {
	var v uint32
	if r.Flags.Has(FlagFirstAfterNew) {
		v |= firstAfterNewBit
	}
	return v
}

// MarshalTo writes the record into buf, which must be at least IndexRecordSize long.
func (r IndexRecord) MarshalTo(buf []byte) {
	_ = buf[IndexRecordSize-1]
	binary.NativeEndian.PutUint64(buf[0:8], math.Float64bits(r.Epoch))
	binary.NativeEndian.PutUint64(buf[8:16], r.TrainID)
	binary.NativeEndian.PutUint64(buf[16:24], r.Position)
	binary.NativeEndian.PutUint32(buf[24:28], r.Extent1&extentMask)
	binary.NativeEndian.PutUint32(buf[28:32], r.extent2())
}

// Marshal returns the encoded record.
func (r IndexRecord) Marshal() []byte {
	buf := make([]byte, IndexRecordSize)
	r.MarshalTo(buf)
	return buf
}

// UnmarshalIndexRecord decodes one record from buf.
func UnmarshalIndexRecord(buf []byte) (IndexRecord, error) {
	if len(buf) < IndexRecordSize {
		return IndexRecord{}, fmt.Errorf("%w: got %d bytes", ErrShortRecord, len(buf))
	}
	r := IndexRecord{
		Epoch:    math.Float64frombits(binary.NativeEndian.Uint64(buf[0:8])),
		TrainID:  binary.NativeEndian.Uint64(buf[8:16]),
		Position: binary.NativeEndian.Uint64(buf[16:24]),
		Extent1:  binary.NativeEndian.Uint32(buf[24:28]) & extentMask,
	}
	if binary.NativeEndian.Uint32(buf[28:32])&firstAfterNewBit != 0 {
		r.Flags |= FlagFirstAfterNew
	}
	return r, nil
}

// NewIndexRecord builds a record for a line written at position with timestamp ts.
func NewIndexRecord(ts core.Timestamp, position int64, first bool) IndexRecord {
	r := IndexRecord{
		Epoch:    ts.Epoch(),
		TrainID:  ts.TrainID,
		Position: uint64(position),
	}
	if first {
		r.Flags |= FlagFirstAfterNew
	}
	return r
}

// IndexWriter appends encoded records to an underlying writer.
type IndexWriter struct {
	w   io.Writer
	buf [IndexRecordSize]byte
}

func NewIndexWriter(w io.Writer) *IndexWriter {
	return &IndexWriter{w: w}
}

// Write encodes and appends one record.
func (iw *IndexWriter) Write(r IndexRecord) error {
	r.MarshalTo(iw.buf[:])
	if _, err := iw.w.Write(iw.buf[:]); err != nil {
		return fmt.Errorf("failed to write index record: %w", err)
	}
	return nil
}

// ReadIndexRecordAt reads the i-th record from a fine index file.
func ReadIndexRecordAt(r io.ReaderAt, i int64) (IndexRecord, error) {
	var buf [IndexRecordSize]byte
	if _, err := r.ReadAt(buf[:], i*IndexRecordSize); err != nil {
		return IndexRecord{}, fmt.Errorf("failed to read index record %d: %w", i, err)
	}
	return UnmarshalIndexRecord(buf[:])
}

// ReadIndexRecords reads count records starting at record i.
func ReadIndexRecords(r io.ReaderAt, i, count int64) ([]IndexRecord, error) {
	if count <= 0 {
		return nil, nil
	}
	buf := make([]byte, count*IndexRecordSize)
	n, err := r.ReadAt(buf, i*IndexRecordSize)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		return nil, fmt.Errorf("failed to read %d index records at %d: %w", count, i, err)
	}
	out := make([]IndexRecord, 0, count)
	for off := 0; off+IndexRecordSize <= n; off += IndexRecordSize {
		rec, _ := UnmarshalIndexRecord(buf[off : off+IndexRecordSize])
		out = append(out, rec)
	}
	return out, nil
}

// RecordCount returns the number of whole records in a fine index of the given size.
// A trailing partial record from an interrupted write is ignored.
func RecordCount(fileSize int64) int64 {
	return fileSize / IndexRecordSize
}

package query

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/INLOpen/nexushistory/core"
	"github.com/INLOpen/nexushistory/record"
	"github.com/INLOpen/nexushistory/sys"
)

// location is a byte position in a numbered raw file.
type location struct {
	fileIndex int
	offset    int64
}

func (l location) less(o location) bool {
	if l.fileIndex != o.fileIndex {
		return l.fileIndex < o.fileIndex
	}
	return l.offset < o.offset
}

// candidate is a raw line selected by the index search. line is already parsed
// when the candidate came from a raw scan.
type candidate struct {
	loc   location
	first bool
	line  *record.RawLine
}

// lastAtOrBefore returns the position of the last content entry not later than
// t, or -1 when every entry is later.
func lastAtOrBefore(entries []record.ContentEntry, t core.Timestamp) int {
	micros := t.Micros()
	return sort.Search(len(entries), func(i int) bool {
		return entries[i].Micros() > micros
	}) - 1
}

// searchFineIndex returns the records of an index file with from <= epoch <= to,
// compared at millisecond resolution.
func searchFineIndex(f sys.FileHandle, fileIndex int, from, to core.Timestamp) ([]candidate, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	n := int(record.RecordCount(info.Size()))
	if n == 0 {
		return nil, nil
	}
	var searchErr error
	at := func(i int) record.IndexRecord {
		rec, err := record.ReadIndexRecordAt(f, int64(i))
		if err != nil && searchErr == nil {
			searchErr = err
		}
		return rec
	}
	fromMs, toMs := from.Millis(), to.Millis()
	lo := sort.Search(n, func(i int) bool { return at(i).EpochMillis() >= fromMs })
	hi := sort.Search(n, func(i int) bool { return at(i).EpochMillis() > toMs })
	if searchErr != nil {
		return nil, searchErr
	}
	if lo >= hi {
		return nil, nil
	}
	recs, err := record.ReadIndexRecords(f, int64(lo), int64(hi-lo))
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(recs))
	for _, rec := range recs {
		out = append(out, candidate{
			loc:   location{fileIndex: fileIndex, offset: int64(rec.Position)},
			first: rec.Flags.Has(record.FlagFirstAfterNew),
		})
	}
	return out, nil
}

// scanRaw streams a raw file and returns the lines of property within [from, to].
// The first match is flagged like the first record of a fine index.
func scanRaw(f io.Reader, fileIndex int, property string, from, to core.Timestamp) ([]candidate, int, error) {
	var (
		out     []candidate
		offset  int64
		skipped int
	)
	fromMs, toMs := from.Millis(), to.Millis()
	reader := core.RawReaderPool.Get()
	reader.Reset(f)
	defer func() {
		reader.Reset(nil)
		core.RawReaderPool.Put(reader)
	}()
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			pos := offset
			offset += int64(len(line))
			parsed, perr := record.ParseRawLine(line)
			switch {
			case perr != nil:
				skipped++
			case parsed.Path != property || parsed.Flag == record.FlagLogout:
			default:
				ms := parsed.Timestamp.Millis()
				if ms >= fromMs && ms <= toMs {
					p := parsed
					out = append(out, candidate{
						loc:   location{fileIndex: fileIndex, offset: pos},
						first: len(out) == 0,
						line:  &p,
					})
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, skipped, nil
			}
			return out, skipped, err
		}
	}
}

// readLineAt reads the newline terminated line starting at offset. buf is
// scratch space that may be grown and is returned for reuse.
func readLineAt(f io.ReaderAt, offset int64, buf []byte) (string, []byte, error) {
	if cap(buf) < 256 {
		buf = make([]byte, 512)
	}
	buf = buf[:cap(buf)]
	for {
		n, err := f.ReadAt(buf, offset)
		if i := bytes.IndexByte(buf[:n], '\n'); i >= 0 {
			return string(buf[:i+1]), buf, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", buf, fmt.Errorf("no complete line at offset %d", offset)
			}
			return "", buf, err
		}
		buf = make([]byte, 2*len(buf))
	}
}

// reduce down-samples candidates to at most max entries where possible. Every
// reductionFactor-th candidate is kept together with the first and the last
// candidate and every first-after-new record.
func reduce(cands []candidate, max int) []candidate {
	n := len(cands)
	if max <= 0 || n <= max {
		return cands
	}
	factor := (n + max - 1) / max
	for {
		kept := make([]candidate, 0, max+1)
		for i, c := range cands {
			if i%factor == 0 || c.first || (i == n-1 && max > 1) {
				kept = append(kept, c)
			}
		}
		if len(kept) <= max || factor >= n {
			return kept
		}
		factor++
	}
}

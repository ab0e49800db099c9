package tracker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
)

const (
	recordDelimiter      = '\n'
	defaultReadChunkSize = 4096
)

// Reassembler turns arbitrarily split chunks into complete newline-delimited
// records. A trailing partial record is held until a later chunk completes it.
// Instances are single use and not safe for concurrent use.
type Reassembler struct {
	buf []byte
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed appends chunk to the pending buffer and returns every record it
// completes, in arrival order, without their delimiters.
func (r *Reassembler) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	r.buf = append(r.buf, chunk...)
	var records []string
	for {
		idx := bytes.IndexByte(r.buf, recordDelimiter)
		if idx < 0 {
			break
		}
		records = append(records, string(r.buf[:idx]))
		r.buf = r.buf[idx+1:]
	}
	if len(r.buf) == 0 {
		r.buf = nil
	} else if len(records) > 0 {
		r.buf = append([]byte(nil), r.buf...)
	}
	return records
}

// Pending reports how many bytes of an incomplete record are buffered.
func (r *Reassembler) Pending() int {
	return len(r.buf)
}

// Close ends the stream. The unterminated remainder is discarded and its size
// returned; it is never surfaced as a record.
func (r *Reassembler) Close() int {
	n := len(r.buf)
	r.buf = nil
	return n
}

var errScanStopped = errors.New("record scan stopped")

// scanRecords reads rd until it fails, handing each complete record to yield.
// Records completed by a read are delivered before that read's error. At
// io.EOF it returns a nil error and the size of the discarded tail. When
// yield returns false it returns errScanStopped.
func scanRecords(rd io.Reader, chunkSize int, yield func(string) bool) (discarded int, err error) {
	if chunkSize <= 0 {
		chunkSize = defaultReadChunkSize
	}
	re := NewReassembler()
	buf := make([]byte, chunkSize)
	for {
		n, rerr := rd.Read(buf)
		for _, rec := range re.Feed(buf[:n]) {
			if !yield(rec) {
				return 0, errScanStopped
			}
		}
		if rerr == nil {
			continue
		}
		discarded = re.Close()
		if errors.Is(rerr, io.EOF) {
			return discarded, nil
		}
		return discarded, fmt.Errorf("read stream: %w", rerr)
	}
}

// Records lazily reads rd and yields each complete record. Iteration stops at
// io.EOF (dropping any partial trailing record) or yields the read error once,
// after the records completed by the failing read.
func Records(rd io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		_, err := scanRecords(rd, defaultReadChunkSize, func(rec string) bool {
			return yield(rec, nil)
		})
		if err != nil && !errors.Is(err, errScanStopped) {
			yield("", err)
		}
	}
}

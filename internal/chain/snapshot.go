package chain

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const snapshotPageSize = 500

// ExportSnapshot writes every entry of c to w as zstd-compressed NDJSON, in
// index order.
func ExportSnapshot(ctx context.Context, c Chain, w io.Writer) (int, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	jsonEnc := json.NewEncoder(enc)

	written := 0
	for offset := 0; ; offset += snapshotPageSize {
		page, err := c.List(ctx, offset, snapshotPageSize)
		if err != nil {
			enc.Close()
			return written, err
		}
		for _, e := range page {
			if err := jsonEnc.Encode(e); err != nil {
				enc.Close()
				return written, err
			}
			written++
		}
		if len(page) < snapshotPageSize {
			break
		}
	}
	return written, enc.Close()
}

// ReadSnapshot decodes a snapshot written by ExportSnapshot and checks that
// the entries form a valid chain.
func ReadSnapshot(r io.Reader) ([]*Entry, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	var entries []*Entry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), maxJournalRecord)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("decode snapshot line %d: %w", len(entries)+1, err)
		}
		if len(entries) == 0 {
			if err := checkGenesis(&e); err != nil {
				return nil, err
			}
		} else if err := checkLink(entries[len(entries)-1], &e); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

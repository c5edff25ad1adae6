package codec

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// EntryName is the name of the single archive entry holding the records.
const EntryName = "payload.jsonl"

// maxPayloadSize caps how much decompressed data Deserialize will read.
// An entry larger than this is rejected as a whole.
var maxPayloadSize int64 = 256 << 20

var errPayloadTooLarge = errors.New("payload exceeds size limit")

// Serialize writes records as compact JSON lines into a zip archive.
// Zero records produce an empty payload, which the blob store treats as
// "nothing to send".
func Serialize(records []Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(EntryName)
	if err != nil {
		return nil, fmt.Errorf("creating archive entry: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encoding record %d: %w", i, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a payload written by Serialize. It never fails:
// an empty, truncated, oversized or non-zip payload yields no records,
// and lines that are not JSON objects are skipped.
func Deserialize(payload []byte) []Record {
	if len(payload) == 0 {
		return nil
	}

	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil
	}

	var records []Record
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entry, err := readEntry(f)
		if err != nil {
			log.WithError(err).WithField("entry", f.Name).Warn("Discarding unreadable payload")
			return nil
		}
		records = append(records, entry...)
	}
	return records
}

func readEntry(f *zip.File) ([]Record, error) {
	if f.UncompressedSize64 > uint64(maxPayloadSize) {
		return nil, errPayloadTooLarge
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	// Read one byte past the limit so an entry whose header understates
	// its size is still caught.
	var records []Record
	var read int64
	br := bufio.NewReader(io.LimitReader(rc, maxPayloadSize+1))
	for {
		line, err := br.ReadBytes('\n')
		read += int64(len(line))
		if read > maxPayloadSize {
			return nil, errPayloadTooLarge
		}
		if r, ok := decodeLine(line); ok {
			records = append(records, r)
		}
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func decodeLine(line []byte) (Record, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	var r Record
	if err := json.Unmarshal(line, &r); err != nil || r == nil {
		return nil, false
	}
	return r, true
}

// Package archive extracts delimited text files from downloaded zip archives
// and recovers their text under the encodings the upstream exporter uses.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
)

// zipMagic is the local-file-header signature every well-formed zip starts
// with. Truncated or mislabeled downloads fail this check cheaply.
var zipMagic = []byte{0x50, 0x4b, 0x03, 0x04}

const tableExt = ".csv"

// maxEntryBytes bounds a single extracted entry to keep a corrupt central
// directory from exhausting memory.
const maxEntryBytes = 512 << 20 // 512 MiB

// Input is one downloaded archive.
type Input struct {
	Name string
	Data []byte
}

// Extractor pulls CSV entries out of zip archives.
type Extractor struct {
	logger *slog.Logger
}

// New creates an Extractor.
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// ExtractAll returns the decoded text of every CSV entry across all archives,
// in archive order. Malformed archives and unreadable entries are logged and
// skipped rather than failing the batch.
func (e *Extractor) ExtractAll(archives []Input) []string {
	var texts []string
	for _, in := range archives {
		entries, err := e.extract(in)
		if err != nil {
			e.logger.Warn("skipping malformed archive", "archive", in.Name, "error", err)
			continue
		}
		texts = append(texts, entries...)
	}
	return texts
}

// extract opens one archive and decodes its CSV entries.
func (e *Extractor) extract(in Input) ([]string, error) {
	if !bytes.HasPrefix(in.Data, zipMagic) {
		return nil, fmt.Errorf("not a zip archive (bad signature)")
	}

	zr, err := zip.NewReader(bytes.NewReader(in.Data), int64(len(in.Data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	var texts []string
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		name := path.Base(strings.ReplaceAll(zf.Name, "\\", "/"))
		if !strings.EqualFold(path.Ext(name), tableExt) {
			continue
		}
		if zf.UncompressedSize64 > maxEntryBytes {
			e.logger.Warn("skipping oversized entry",
				"archive", in.Name, "entry", zf.Name, "size", zf.UncompressedSize64)
			continue
		}

		raw, err := readEntry(zf)
		if err != nil {
			e.logger.Warn("skipping unreadable entry",
				"archive", in.Name, "entry", zf.Name, "error", err)
			continue
		}

		text, enc := DecodeText(raw)
		e.logger.Debug("extracted entry",
			"archive", in.Name, "entry", zf.Name, "bytes", len(raw), "encoding", enc)
		texts = append(texts, text)
	}
	return texts, nil
}

func readEntry(zf *zip.File) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxEntryBytes+1))
}

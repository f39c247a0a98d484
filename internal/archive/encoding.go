package archive

import (
	"bytes"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// DecodeText recovers a text blob of unknown encoding. UTF-8 is accepted
// strictly; otherwise charset detection is consulted, then the single-byte
// Western encodings the upstream exporter has historically produced.
// Returns the decoded text and the name of the encoding used.
func DecodeText(data []byte) (string, string) {
	data = bytes.TrimPrefix(data, utf8BOM)

	if utf8.Valid(data) {
		return string(data), "utf-8"
	}

	// Detection works better on longer samples; on short ones the decode
	// fallbacks below dominate anyway.
	detector := chardet.NewTextDetector()
	if result, err := detector.DetectBest(data); err == nil && result.Confidence >= 50 {
		if enc := encodingByName(result.Charset); enc != nil {
			if decoded, err := enc.NewDecoder().Bytes(data); err == nil && utf8.Valid(decoded) {
				return string(decoded), result.Charset
			}
		}
	}

	// Windows-1252 first (smart quotes, accented Latin), then Latin-9.
	// Single-byte decoders map every byte, so this chain always terminates.
	if decoded, err := charmap.Windows1252.NewDecoder().Bytes(data); err == nil && utf8.Valid(decoded) {
		return string(decoded), "windows-1252"
	}
	decoded, _ := charmap.ISO8859_15.NewDecoder().Bytes(data)
	return string(decoded), "iso-8859-15"
}

// encodingByName returns an encoding for the given IANA charset name.
func encodingByName(name string) encoding.Encoding {
	switch name {
	case "windows-1252", "CP1252", "cp1252":
		return charmap.Windows1252
	case "ISO-8859-1", "iso-8859-1", "latin1", "latin-1":
		return charmap.ISO8859_1
	case "ISO-8859-15", "iso-8859-15", "latin9":
		return charmap.ISO8859_15
	case "ISO-8859-2", "iso-8859-2", "latin2":
		return charmap.ISO8859_2
	default:
		return nil
	}
}

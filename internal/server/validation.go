package server

import (
	"bufio"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how much of an upload is inspected when the client sends no
// useful Content-Type.
const sniffLen = 3072

// SanitizeFilename reduces a client-supplied name to a safe base name for
// the Content-Disposition header.
func SanitizeFilename(filename string) string {
	filename = strings.ReplaceAll(filename, "\\", "/")
	filename = filepath.Base(filename)

	filename = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '"' {
			return -1
		}
		return r
	}, filename)

	filename = strings.Trim(filename, " .")

	if len(filename) > 255 {
		ext := filepath.Ext(filename)
		if len(ext) > 32 {
			ext = ""
		}
		filename = strings.ToValidUTF8(filename[:255-len(ext)], "") + ext
	}

	if filename == "" || filename == "/" {
		filename = "unnamed"
	}
	return filename
}

// normalizeContentType drops parameters the client may have added and
// lower-cases the media type. Unparseable values become "".
func normalizeContentType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	if cs, ok := params["charset"]; ok {
		return mime.FormatMediaType(mt, map[string]string{"charset": cs})
	}
	return mt
}

// detectContentType keeps a specific client type and otherwise sniffs the
// head of the stream. The returned reader replays the sniffed bytes.
func detectContentType(declared string, r io.Reader) (string, io.Reader) {
	declared = normalizeContentType(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared, r
	}
	br := bufio.NewReaderSize(r, sniffLen)
	head, _ := br.Peek(sniffLen)
	if len(head) == 0 {
		return "application/octet-stream", br
	}
	return mimetype.Detect(head).String(), br
}

// contentDisposition builds an attachment header, using the RFC 2231 form
// for names that are not plain ASCII.
func contentDisposition(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return `attachment; filename="download"`
}

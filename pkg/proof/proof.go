// Package proof writes minimal PDF documents with one line of text per row.
//
// Proof documents stand in for real print output: the proof renderer emits one
// per sheet during dry runs, and tests use them as merge inputs. The output is
// a valid PDF 1.4 file with a cross-reference table and the standard
// Helvetica font, so any PDF reader (including the merge engine) accepts it.
package proof

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Letter-size media box in points.
const (
	pageWidth  = 612
	pageHeight = 792
)

// Document returns a PDF with one page per entry of pages. Each page shows its
// lines top to bottom.
func Document(pages ...[]string) []byte {
	if len(pages) == 0 {
		pages = [][]string{nil}
	}

	// Object layout: 1 catalog, 2 page tree, 3 font, then (page, contents) pairs.
	n := len(pages)
	objects := make([]string, 3+2*n)
	kids := make([]string, n)
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	objects[0] = "<< /Type /Catalog /Pages 2 0 R >>"
	objects[1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n)
	objects[2] = "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>"

	for i, lines := range pages {
		pageObj, contentObj := 4+2*i, 5+2*i
		stream := contentStream(lines)
		objects[pageObj-1] = fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>",
			pageWidth, pageHeight, contentObj)
		objects[contentObj-1] = fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f\r\n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n\r\n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func contentStream(lines []string) string {
	var b strings.Builder
	b.WriteString("BT /F1 14 Tf 72 720 Td 18 TL")
	for _, l := range lines {
		fmt.Fprintf(&b, " (%s) Tj T*", escape(l))
	}
	b.WriteString(" ET")
	return b.String()
}

// escape makes s safe inside a PDF literal string. Non-ASCII runes are
// replaced since the standard font uses a single-byte encoding.
func escape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '(' || r == ')' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r < 32 || r > 126:
			b.WriteByte('?')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// WriteFile writes a proof document to path. The file is written to a
// temporary name in the same directory and renamed into place, so readers
// never observe a partial document.
func WriteFile(path string, pages ...[]string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.part")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(Document(pages...)); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

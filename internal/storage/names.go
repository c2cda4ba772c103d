package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const (
	// ChunkSize is the unit of buffered sequential writes.
	ChunkSize = 8192
	// SniffLen is how much leading content is inspected to detect the format.
	SniffLen = 4096
)

// GenerateStem returns a fresh identifier for a stored file.
func GenerateStem() uuid.UUID {
	return uuid.New()
}

// SplitExt splits a client filename into stem and extension at the last dot.
// Directory components are dropped first, so the result never contains a path
// separator: "report.pdf" -> ("report", "pdf"), "README" -> ("README", "").
func SplitExt(filename string) (stem, ext string) {
	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if name == "/" || name == "." {
		return "", ""
	}
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

// JoinStorageFilename builds "<id>.<ext>", or just "<id>" without an extension.
func JoinStorageFilename(id uuid.UUID, ext string) string {
	if ext == "" {
		return id.String()
	}
	return id.String() + "." + ext
}

// StorageFilename maps a client filename to a physical one. Only the extension
// comes from the client; the stem is always freshly generated.
func StorageFilename(clientFilename string) string {
	_, ext := SplitExt(clientFilename)
	return JoinStorageFilename(GenerateStem(), ext)
}

// IDFromPath parses the identifier back out of a storage path.
func IDFromPath(p string) (uuid.UUID, error) {
	name := path.Base(strings.ReplaceAll(p, `\`, "/"))
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	id, err := uuid.Parse(name)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse identifier of %q: %w", p, err)
	}
	return id, nil
}

// Metadata derives the FileInfo of a stored upload. The identifier comes from
// storageFilename; stem and extension come from the client filename, or from
// storageFilename when the client name is unknown. head is the leading content
// used for format detection; the client's Content-Type is never consulted.
func Metadata(storageFilename, clientFilename string, size int64, head []byte) (*FileInfo, error) {
	id, err := IDFromPath(storageFilename)
	if err != nil {
		return nil, err
	}

	info := &FileInfo{Name: id, Size: size}
	if clientFilename != "" {
		info.OriginalFilename, info.Extension = SplitExt(clientFilename)
	} else {
		_, info.Extension = SplitExt(storageFilename)
	}
	if size > 0 && len(head) > 0 {
		info.FileFormat = DetectFormat(head)
	}
	return info, nil
}

// DetectFormat sniffs the MIME type of content from its leading bytes.
func DetectFormat(head []byte) string {
	if len(head) > SniffLen {
		head = head[:SniffLen]
	}
	return mimetype.Detect(head).String()
}

// Sniff peeks at the first SniffLen bytes of r. The returned reader still
// yields the whole content; the returned head is a copy.
func Sniff(r io.Reader) (io.Reader, []byte, error) {
	br := bufio.NewReaderSize(r, SniffLen)
	peeked, err := br.Peek(SniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}
	head := make([]byte, len(peeked))
	copy(head, peeked)
	return br, head, nil
}

// copyChunks copies src to dst in ChunkSize pieces.
func copyChunks(dst io.Writer, src io.Reader) (int64, error) {
	return io.CopyBuffer(onlyWriter{dst}, onlyReader{src}, make([]byte, ChunkSize))
}

// onlyWriter and onlyReader hide ReaderFrom/WriterTo so io.CopyBuffer keeps
// to the chunk size.
type onlyWriter struct{ io.Writer }

type onlyReader struct{ io.Reader }

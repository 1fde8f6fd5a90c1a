package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/aleister1102/anchorwatch/internal/models"
)

// DefaultChunkSize is the read buffer used when streaming file content.
const DefaultChunkSize = 4096

// Computer produces SHA-256 content digests by streaming files in bounded chunks.
type Computer struct {
	chunkSize int
}

// NewComputer creates a Computer. A non-positive chunkSize selects DefaultChunkSize.
func NewComputer(chunkSize int) *Computer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Computer{chunkSize: chunkSize}
}

// File returns the hex digest of the file at path.
// Any read failure is returned as a *models.FileAccessError; callers treat it as "no digest".
func (c *Computer) File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &models.FileAccessError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", &models.FileAccessError{Path: path, Err: err}
	}
	if info.IsDir() {
		return "", &models.FileAccessError{Path: path, Err: errors.New("is a directory")}
	}

	sum, err := c.stream(f)
	if err != nil {
		return "", &models.FileAccessError{Path: path, Err: err}
	}
	return sum, nil
}

// Reader returns the hex digest of everything read from r.
func (c *Computer) Reader(r io.Reader) (string, error) {
	return c.stream(r)
}

func (c *Computer) stream(r io.Reader) (string, error) {
	h := sha256.New()
	if err := copyChunked(h, r, make([]byte, c.chunkSize)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyChunked feeds r into h one buffer at a time so memory stays bounded by len(buf).
func copyChunked(h hash.Hash, r io.Reader, buf []byte) error {
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Directory returns an aggregate digest over every readable regular file below dir.
// Files are visited in lexical order and unreadable files are skipped.
func (c *Computer) Directory(dir string) (string, error) {
	h := sha256.New()
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == dir {
				return walkErr
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		sum, err := c.File(path)
		if err != nil {
			return nil
		}
		h.Write([]byte(sum))
		return nil
	})
	if err != nil {
		return "", &models.FileAccessError{Path: dir, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

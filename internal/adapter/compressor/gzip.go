package compressor

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/klauspost/pgzip"

	"github.com/semmidev/pgswap/internal/domain"
)

// GzipCompressor produces standard gzip streams, compressing blocks in parallel.
type GzipCompressor struct {
	level int
}

func NewGzip(level int) *GzipCompressor {
	return &GzipCompressor{level: level}
}

// Compress returns the size of the compressed file.
func (g *GzipCompressor) Compress(sourcePath, destPath string) (int64, error) {
	sourceFile, err := os.Open(sourcePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create dest file: %w", err)
	}
	defer destFile.Close()

	counter := &countingWriter{w: destFile}
	gzipWriter, err := pgzip.NewWriterLevel(counter, g.level)
	if err != nil {
		return 0, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if err := gzipWriter.SetConcurrency(1<<20, runtime.GOMAXPROCS(0)); err != nil {
		return 0, fmt.Errorf("failed to configure gzip writer: %w", err)
	}

	if _, err := io.Copy(gzipWriter, sourceFile); err != nil {
		gzipWriter.Close()
		os.Remove(destPath)
		return 0, fmt.Errorf("failed to compress: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		os.Remove(destPath)
		return 0, fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	if err := destFile.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync dest file: %w", err)
	}

	return counter.n, nil
}

// Decompress returns the size of the decompressed file. A stream that
// does not decode is reported as *domain.CorruptArtifactError.
func (g *GzipCompressor) Decompress(sourcePath, destPath string) (int64, error) {
	sourceFile, err := os.Open(sourcePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	gzipReader, err := pgzip.NewReader(sourceFile)
	if err != nil {
		return 0, &domain.CorruptArtifactError{Path: sourcePath, Err: fmt.Errorf("failed to create gzip reader: %w", err)}
	}
	defer gzipReader.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create dest file: %w", err)
	}
	defer destFile.Close()

	out := &countingWriter{w: destFile}
	if _, err := io.Copy(out, gzipReader); err != nil {
		os.Remove(destPath)
		if out.err != nil {
			return 0, fmt.Errorf("failed to write dest file: %w", out.err)
		}
		return 0, &domain.CorruptArtifactError{Path: sourcePath, Err: fmt.Errorf("failed to decompress: %w", err)}
	}

	return out.n, nil
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if err != nil {
		c.err = err
	}
	return n, err
}

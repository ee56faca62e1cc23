package domain

type Compressor interface {
	Compress(sourcePath, destPath string) (int64, error)
	Decompress(sourcePath, destPath string) (int64, error)
}

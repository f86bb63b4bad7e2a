package asyncio

import (
	"errors"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

// CompressedExt is the suffix of zstd compressed sound files. A read of a
// file that does not exist falls back to the file with this suffix, which is
// decompressed whole and then served like the plain file.
const CompressedExt = ".zst"

// decoder returns the shared zstd decoder, creating it on first use.
func (l *Loader) decoder() (*zstd.Decoder, error) {
	l.decOnce.Do(func() {
		l.dec, l.decErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
		if l.decErr != nil {
			l.decErr = fmt.Errorf("failed to create zstd decoder: %w", l.decErr)
		}
	})
	return l.dec, l.decErr
}

func compressedExists(fs afero.Fs, path string) bool {
	ok, err := afero.Exists(fs, path+CompressedExt)
	return err == nil && ok
}

// readCompressed serves req from the compressed sibling of req.Path.
func (l *Loader) readCompressed(fs afero.Fs, req *Request, size int) (int, Status) {
	packed, err := afero.ReadFile(fs, req.Path+CompressedExt)
	if err != nil {
		l.logger.Debug("open failed", "path", req.Path, "err", err)
		return 0, StatusErrFileOpen
	}

	dec, err := l.decoder()
	if err != nil {
		l.logger.Warn("compressed read failed", "path", req.Path, "err", err)
		return 0, StatusErrReading
	}
	if err := l.throttle(len(packed)); err != nil {
		return 0, StatusErrReading
	}

	data, err := dec.DecodeAll(packed, nil)
	if err != nil {
		l.logger.Debug("decompress failed", "path", req.Path+CompressedExt, "err", err)
		return 0, StatusErrReading
	}

	if req.Offset < 0 {
		return 0, StatusErrReading
	}
	if req.Offset >= int64(len(data)) {
		return 0, StatusOK
	}
	return copy(req.Data[:size], data[req.Offset:]), StatusOK
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

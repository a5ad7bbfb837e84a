package util

import (
	"io"

	"github.com/pkg/errors"
)

// ErrInputTooLarge is returned by ReadInput when the reader holds more than
// the allowed number of bytes.
var ErrInputTooLarge = errors.New("input exceeds size limit")

// ReadInput reads r to EOF. A limit <= 0 means unbounded.
func ReadInput(r io.Reader, limit int64) ([]byte, error) {
	if r == nil {
		return nil, errors.New("nil reader")
	}
	if limit <= 0 {
		data, err := io.ReadAll(r)
		return data, errors.Wrap(err, "read input")
	}

	// 多读一个字节用于判断是否超限
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, errors.Wrap(err, "read input")
	}
	if int64(len(data)) > limit {
		return nil, errors.Wrapf(ErrInputTooLarge, "more than %d bytes", limit)
	}
	return data, nil
}

package httpcache

import (
	"bytes"
	"io"
)

func newBodyReader(body []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(body))
}

package fetch

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// DecodeError reports a response whose body could not be decoded. The server
// answered, so the failure is not retried.
type DecodeError struct {
	URL      string
	Encoding string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("fetch %s: decode %s body: %v", e.URL, e.Encoding, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// decodeBody undoes Content-Encoding values colly leaves untouched. gzip is
// already decoded by the collector's backend.
func decodeBody(contentEncoding string, body []byte) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))
	switch encoding {
	case "br":
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, &DecodeError{Encoding: encoding, Err: err}
		}
		return decoded, nil
	case "deflate":
		decoded, err := inflate(body)
		if err != nil {
			return nil, &DecodeError{Encoding: encoding, Err: err}
		}
		return decoded, nil
	default:
		return body, nil
	}
}

// inflate reads HTTP deflate, which is zlib framed. Some servers send raw
// deflate streams instead; those are accepted when the zlib header is absent.
func inflate(body []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err == nil {
		defer zr.Close()
		return io.ReadAll(zr)
	}
	if !errors.Is(err, zlib.ErrHeader) {
		return nil, err
	}
	fr := flate.NewReader(bytes.NewReader(body))
	defer fr.Close()
	return io.ReadAll(fr)
}

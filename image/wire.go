package image

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// cborEncMode uses canonical encoding so the same image always produces
// the same bytes and the same checksum.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// container wraps the encoded image with its content checksum. The
// checksum covers the canonical CBOR payload, before compression.
type container struct {
	Payload  []byte   `cbor:"1,keyasint"`
	Checksum [32]byte `cbor:"2,keyasint"`
}

// Marshal serializes an image to its compressed wire form.
func Marshal(img *Image) ([]byte, error) {
	payload, err := cborEncMode.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("image: marshal payload: %w", err)
	}
	c := container{
		Payload:  payload,
		Checksum: blake3.Sum256(payload),
	}
	wrapped, err := cborEncMode.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("image: marshal container: %w", err)
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("image: zstd writer: %w", err)
	}
	if _, err := zw.Write(wrapped); err != nil {
		zw.Close()
		return nil, fmt.Errorf("image: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("image: compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal reads an image back from its wire form, verifying the
// checksum before decoding the payload.
func Unmarshal(data []byte) (*Image, error) {
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("image: zstd reader: %w", err)
	}
	defer zr.Close()

	wrapped, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("image: decompress: %w", err)
	}

	var c container
	if err := cbor.Unmarshal(wrapped, &c); err != nil {
		return nil, fmt.Errorf("image: unmarshal container: %w", err)
	}
	if blake3.Sum256(c.Payload) != c.Checksum {
		return nil, ErrChecksumMismatch
	}

	var img Image
	if err := cbor.Unmarshal(c.Payload, &img); err != nil {
		return nil, fmt.Errorf("image: unmarshal payload: %w", err)
	}
	return &img, nil
}

// WriteFile marshals an image to disk.
func WriteFile(path string, img *Image) error {
	data, err := Marshal(img)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("image: write %s: %w", path, err)
	}
	return nil
}

// ReadFile loads an image from disk.
func ReadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("image: read %s: %w", path, err)
	}
	return Unmarshal(data)
}

package imagecache

import (
	"bytes"
	"fmt"
	"image"
	"net/http"

	// Registered decoders for the formats the image host serves.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// Image is a decoded image together with the raw bytes it was decoded from.
type Image struct {
	Key     Hash
	Data    []byte
	Format  string
	Decoded image.Image
}

// Decode decodes raw image bytes. It returns an error wrapping ErrDecode if
// the bytes are not a supported image.
func Decode(key Hash, data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return &Image{
		Key:     key,
		Data:    data,
		Format:  format,
		Decoded: img,
	}, nil
}

// DecodeConfig checks that data is a supported image without decoding the
// pixels. It returns the detected format name.
func DecodeConfig(data []byte) (image.Config, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, "", fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return cfg, format, nil
}

// Cost estimates the memory held by the image: four bytes per pixel for the
// decoded form plus the raw payload.
func (i *Image) Cost() int64 {
	var pixels int64
	if i.Decoded != nil {
		b := i.Decoded.Bounds()
		pixels = int64(b.Dx()) * int64(b.Dy())
	}
	return pixels*4 + int64(len(i.Data))
}

// Size returns the decoded width and height.
func (i *Image) Size() (width, height int) {
	if i.Decoded == nil {
		return 0, 0
	}
	b := i.Decoded.Bounds()
	return b.Dx(), b.Dy()
}

// ContentType returns the MIME type of the raw payload.
func (i *Image) ContentType() string {
	switch i.Format {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return http.DetectContentType(i.Data)
	}
}

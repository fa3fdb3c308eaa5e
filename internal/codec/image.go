package codec

import (
	"bytes"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	_ "golang.org/x/image/webp"
)

// Format 决定 Image 编码时使用的格式。
type Format int

const (
	FormatPNG Format = iota
	FormatJPEG
)

// Image 解码 png/jpeg/gif/webp，编码时按 Format 写出。
// 编码格式是每个 codec 值自己的字段，不同缓存实例互不影响。
type Image struct {
	Format Format
	// Quality 仅用于 JPEG，取值 1-100，0 使用默认质量。
	Quality int
}

func (c Image) Decode(data []byte) (image.Image, bool) {
	if len(data) == 0 {
		return nil, false
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	return img, true
}

func (c Image) Encode(item image.Image) ([]byte, bool) {
	if item == nil {
		return nil, false
	}
	var buf bytes.Buffer
	var err error
	switch c.Format {
	case FormatJPEG:
		quality := c.Quality
		if quality <= 0 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		err = jpeg.Encode(&buf, item, &jpeg.Options{Quality: quality})
	default:
		err = png.Encode(&buf, item)
	}
	if err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

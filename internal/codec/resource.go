package codec

import (
	"bytes"
	"image"
	"net/http"
	"strings"
)

// Resource 是一段带内容类型的资源正文。
type Resource struct {
	Body        []byte
	ContentType string
}

// Size 返回正文字节数。
func (r Resource) Size() int {
	return len(r.Body)
}

// ResourceCodec 通过内容嗅探恢复 ContentType。ImagesOnly 为 true 时，
// 无法识别为图片的数据视为无效。
type ResourceCodec struct {
	ImagesOnly bool
}

func (c ResourceCodec) Decode(data []byte) (Resource, bool) {
	contentType := http.DetectContentType(data)
	if c.ImagesOnly {
		format, ok := imageFormat(data)
		if !ok {
			return Resource{}, false
		}
		if !strings.HasPrefix(contentType, "image/") {
			contentType = "image/" + format
		}
	}
	return Resource{Body: data, ContentType: contentType}, true
}

func (c ResourceCodec) Encode(item Resource) ([]byte, bool) {
	if item.Body == nil {
		return nil, false
	}
	return item.Body, true
}

func imageFormat(data []byte) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", false
	}
	return format, true
}

package codec

// Bytes 原样存取字节。
type Bytes struct{}

func (Bytes) Decode(data []byte) ([]byte, bool) {
	if data == nil {
		return []byte{}, true
	}
	return data, true
}

func (Bytes) Encode(item []byte) ([]byte, bool) {
	return item, true
}

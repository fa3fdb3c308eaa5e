package cache

// Codec 是条目类型的编解码能力，缓存从不直接观察条目内部结构。
type Codec[V any] interface {
	// Decode 将字节还原为条目；ok 为 false 表示数据不是预期类型。
	Decode(data []byte) (V, bool)
	// Encode 将条目序列化为字节；ok 为 false 表示条目无法落盘。
	Encode(item V) ([]byte, bool)
}

// CodecFuncs 将一对函数适配为 Codec。
type CodecFuncs[V any] struct {
	DecodeFunc func([]byte) (V, bool)
	EncodeFunc func(V) ([]byte, bool)
}

func (c CodecFuncs[V]) Decode(data []byte) (V, bool) {
	if c.DecodeFunc == nil {
		var zero V
		return zero, false
	}
	return c.DecodeFunc(data)
}

func (c CodecFuncs[V]) Encode(item V) ([]byte, bool) {
	if c.EncodeFunc == nil {
		return nil, false
	}
	return c.EncodeFunc(item)
}

package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrDataInvalid 表示下载的字节无法解码为目标条目类型。
	ErrDataInvalid = errors.New("downloaded data is not a valid item")
	// ErrIndeterminableLocation 表示键无法派生稳定字符串，条目不能落盘。
	ErrIndeterminableLocation = errors.New("cache key has no stable disk location")
	// ErrZeroCacheAge 表示上游禁止缓存；条目仍交付给调用方但不会被存储。
	ErrZeroCacheAge = errors.New("upstream response has zero cache age")
	// ErrNotEncodable 表示条目无法通过 Codec 编码。
	ErrNotEncodable = errors.New("item cannot be encoded")
	// ErrClosed 表示缓存已关闭，不再接收异步加载。
	ErrClosed = errors.New("cache is closed")
)

const (
	DiskOpWrite  = "write"
	DiskOpDelete = "delete"
)

// DiskError 包装一次失败的文件系统操作。
type DiskError struct {
	Op  string
	Key string
	Err error
}

func (e *DiskError) Error() string {
	return fmt.Sprintf("disk %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *DiskError) Unwrap() error {
	return e.Err
}

// IsDiskWrite 判断 err 链中是否包含写入失败。
func IsDiskWrite(err error) bool {
	var diskErr *DiskError
	return errors.As(err, &diskErr) && diskErr.Op == DiskOpWrite
}

// IsDiskDelete 判断 err 链中是否包含删除失败。
func IsDiskDelete(err error) bool {
	var diskErr *DiskError
	return errors.As(err, &diskErr) && diskErr.Op == DiskOpDelete
}

// NetworkError 表示下载阶段的传输或 HTTP 失败，核心不做自动重试。
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// Key 约束缓存键：既可作为内存层的 map 键，也能派生出用于磁盘命名的稳定字符串。
// 实现必须保证：StableString 相等的两个键本身也相等，否则内存与磁盘会出现分叉。
type Key interface {
	comparable
	// StableString 返回文件系统安全的稳定字符串；ok 为 false 表示该键不可落盘。
	StableString() (string, bool)
}

// StringKey 直接使用字符串本身作为稳定字符串，包含路径分隔符时拒绝落盘。
type StringKey string

func (k StringKey) StableString() (string, bool) {
	s := string(k)
	if s == "" || s == "." || s == ".." {
		return "", false
	}
	if strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, 0) {
		return "", false
	}
	return s, true
}

// URLKey 以 URL 字符串为身份，稳定字符串为其 SHA-1 十六进制摘要。
type URLKey string

func (k URLKey) StableString() (string, bool) {
	if k == "" {
		return "", false
	}
	sum := sha1.Sum([]byte(k))
	return hex.EncodeToString(sum[:]), true
}

// stableName 派生键的磁盘名，失败时返回 ErrIndeterminableLocation。
func stableName[K Key](key K) (string, error) {
	name, ok := key.StableString()
	if !ok || name == "" {
		return "", ErrIndeterminableLocation
	}
	return name, nil
}

package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// lockFileName 以点开头，磁盘层扫描时会跳过它。
const lockFileName = ".tiercache.lock"

// ErrStorageLocked 表示缓存目录已被另一个进程占用。
var ErrStorageLocked = errors.New("storage directory is locked by another process")

// StorageLock 保证同一缓存目录同一时刻只被一个进程使用。
type StorageLock struct {
	lock *flock.Flock
}

// LockStorage 创建目录（如不存在）并以非阻塞方式加锁。
func LockStorage(dir string) (*StorageLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock storage dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrStorageLocked, dir)
	}
	return &StorageLock{lock: lock}, nil
}

// Path 返回锁文件路径。
func (l *StorageLock) Path() string {
	return l.lock.Path()
}

// Release 释放目录锁。
func (l *StorageLock) Release() error {
	if l == nil {
		return nil
	}
	return l.lock.Unlock()
}

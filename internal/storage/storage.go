// Package storage 文件传输暂存区
// 只提供按块读写的原语，元数据由 service 层管理
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// ErrInvalidRange 偏移或长度不合法
var ErrInvalidRange = errors.New("invalid chunk range")

// ReadChunk 从 path 的 offset 处读取最多 length 字节
// 读到文件末尾时返回的切片可能短于 length，offset 恰好等于文件大小时返回空切片
func ReadChunk(fs afero.Fs, path string, offset int64, length int) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, ErrInvalidRange
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk: %w", err)
	}
	return buf[:n], nil
}

// WriteChunk 把 data 写到 path 的 offset 处，文件不存在时创建
func WriteChunk(fs afero.Fs, path string, data []byte, offset int64) error {
	if offset < 0 {
		return ErrInvalidRange
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		f.Close()
		return fmt.Errorf("write chunk: %w", err)
	}
	return f.Close()
}

// Store 以一个目录作为暂存区
type Store struct {
	fs  afero.Fs
	dir string
}

// New 创建 Store，目录不存在时创建
func New(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Store{fs: fs, dir: dir}, nil
}

// NewOS 使用本地磁盘
func NewOS(dir string) (*Store, error) {
	return New(afero.NewOsFs(), dir)
}

// path 暂存文件的完整路径，name 不允许跳出暂存目录
func (s *Store) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid stored name %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

// Create 创建一个空文件
func (s *Store) Create(name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	f, err := s.fs.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	return f.Close()
}

// ReadChunk 读取暂存文件的一块
func (s *Store) ReadChunk(name string, offset int64, length int) ([]byte, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	return ReadChunk(s.fs, p, offset, length)
}

// WriteChunk 写入暂存文件的一块
func (s *Store) WriteChunk(name string, data []byte, offset int64) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	return WriteChunk(s.fs, p, data, offset)
}

// Size 暂存文件当前大小
func (s *Store) Size(name string) (int64, error) {
	p, err := s.path(name)
	if err != nil {
		return 0, err
	}
	info, err := s.fs.Stat(p)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Remove 删除暂存文件，文件不存在不算错误
func (s *Store) Remove(name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

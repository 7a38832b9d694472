package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// osSurface 运行时层实现：依托 os 包的富文件 API
type osSurface struct {
	logger *logrus.Logger
}

func newOSSurface(logger *logrus.Logger) *osSurface {
	return &osSurface{logger: logger}
}

func (s *osSurface) Stat(path string) StatResult {
	fi, err := os.Stat(path)
	if err != nil {
		// 不存在与不可达都按 exists:false 处理，从不报错
		return StatResult{}
	}
	return statResult(fi.IsDir(), fi.Size())
}

func (s *osSurface) StatBatch(paths []string) map[string]StatResult {
	return statBatch(s, paths)
}

func (s *osSurface) ListRecursive(root string) (*Listing, error) {
	listing := &Listing{Files: []string{}, Dirs: []string{}}
	if err := s.walk(root, "", listing); err != nil {
		return nil, err
	}
	return listing, nil
}

// walk 深度优先，目录先报告后展开
func (s *osSurface) walk(root, rel string, listing *Listing) error {
	dir := root
	if rel != "" {
		dir = filepath.Join(root, rel)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if rel != "" {
			// 遍历中途的不可读子目录跳过，不污染整个遍历
			s.logger.WithField("dir", dir).WithError(err).Debug("Skipping unreadable directory")
			return nil
		}
		return fmt.Errorf("read directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		relPath := name
		if rel != "" {
			relPath = rel + "/" + name
		}
		if entry.IsDir() {
			listing.Dirs = append(listing.Dirs, relPath)
			if err := s.walk(root, relPath, listing); err != nil {
				return err
			}
		} else {
			listing.Files = append(listing.Files, relPath)
		}
	}
	return nil
}

func (s *osSurface) ReadRange(path string, offset int64, length int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s for reading: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read %s at %d: %w", path, offset, err)
	}
	return buf[:n], nil
}

func (s *osSurface) Remove(path string) bool {
	if err := os.Remove(path); err != nil {
		s.logger.WithField("path", path).WithError(err).Debug("Remove failed")
		return false
	}
	return true
}

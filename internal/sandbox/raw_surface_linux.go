//go:build linux

package sandbox

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ipa-dump/ipa-dump-go/internal/capability"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// rawSurface 原始系统调用实现：open/getdents/pread/unlink
type rawSurface struct {
	openDir   capability.OpenDirFunc
	readRange capability.ReadRangeFunc
	unlink    capability.UnlinkFunc // 可能缺失
	logger    *logrus.Logger
}

// newRawSurface 从能力解析器装配原始路径
// 目录与读取原语缺失时整条路径不可用；删除原语缺失只影响 Remove。
func newRawSurface(resolver *capability.Resolver, logger *logrus.Logger) (*rawSurface, error) {
	dirHandle, ok := resolver.Resolve(capability.DirectoryOpen)
	if !ok {
		return nil, fmt.Errorf("%w: directory-open primitive absent", ErrCapabilityUnavailable)
	}
	readHandle, ok := resolver.Resolve(capability.FileRead)
	if !ok {
		return nil, fmt.Errorf("%w: file-read primitive absent", ErrCapabilityUnavailable)
	}

	s := &rawSurface{
		openDir:   dirHandle.(capability.OpenDirFunc),
		readRange: readHandle.(capability.ReadRangeFunc),
		logger:    logger,
	}
	if h, ok := resolver.Resolve(capability.FileUnlink); ok {
		s.unlink = h.(capability.UnlinkFunc)
	}
	return s, nil
}

func (s *rawSurface) Stat(path string) StatResult {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return StatResult{}
	}
	return statResult(st.Mode&unix.S_IFMT == unix.S_IFDIR, st.Size)
}

func (s *rawSurface) StatBatch(paths []string) map[string]StatResult {
	return statBatch(s, paths)
}

func (s *rawSurface) ListRecursive(root string) (*Listing, error) {
	listing := &Listing{Files: []string{}, Dirs: []string{}}
	if err := s.walk(root, "", listing, true); err != nil {
		return nil, err
	}
	return listing, nil
}

// dirEntry getdents 解析出的单个目录项
type dirEntry struct {
	name  string
	isDir bool
}

func (s *rawSurface) walk(root, rel string, listing *Listing, isRoot bool) error {
	dir := root
	if rel != "" {
		dir = root + "/" + rel
	}

	entries, err := s.readDirEntries(dir)
	if err != nil {
		if isRoot {
			return err
		}
		s.logger.WithField("dir", dir).WithError(err).Debug("Skipping unreadable directory")
		return nil
	}

	for _, e := range entries {
		relPath := e.name
		if rel != "" {
			relPath = rel + "/" + e.name
		}
		if e.isDir {
			listing.Dirs = append(listing.Dirs, relPath)
			if err := s.walk(root, relPath, listing, false); err != nil {
				return err
			}
		} else {
			listing.Files = append(listing.Files, relPath)
		}
	}
	return nil
}

// readDirEntries 读取一个目录的全部目录项（不含 . 与 ..）
func (s *rawSurface) readDirEntries(dir string) ([]dirEntry, error) {
	fd, err := s.openDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open directory %s: %w", dir, err)
	}
	defer unix.Close(fd)

	var entries []dirEntry
	buf := make([]byte, 32*1024)
	for {
		n, err := unix.Getdents(fd, buf)
		if err != nil {
			return nil, fmt.Errorf("getdents %s: %w", dir, err)
		}
		if n == 0 {
			break
		}

		pos := 0
		for pos < n {
			// linux_dirent64: ino(8) off(8) reclen(2) type(1) name...
			reclen := int(binary.LittleEndian.Uint16(buf[pos+16:]))
			typ := buf[pos+18]
			nameField := buf[pos+19 : pos+reclen]
			if i := bytes.IndexByte(nameField, 0); i >= 0 {
				nameField = nameField[:i]
			}
			name := string(nameField)
			pos += reclen

			if name == "." || name == ".." || name == "" {
				continue
			}

			isDir := typ == unix.DT_DIR
			if typ == unix.DT_UNKNOWN {
				// 类型不确定的项用"能否按目录打开"判别；
				// 探测句柄无论成败都要释放，长遍历不能漏描述符
				if probeFd, probeErr := s.openDir(dir + "/" + name); probeErr == nil {
					unix.Close(probeFd)
					isDir = true
				}
			}
			entries = append(entries, dirEntry{name: name, isDir: isDir})
		}
	}
	return entries, nil
}

func (s *rawSurface) ReadRange(path string, offset int64, length int) ([]byte, error) {
	return s.readRange(path, offset, length)
}

func (s *rawSurface) Remove(path string) bool {
	if s.unlink == nil {
		s.logger.WithField("path", path).Debug("Unlink primitive absent, remove reports failure")
		return false
	}
	if err := s.unlink(path); err != nil {
		s.logger.WithField("path", path).WithError(err).Debug("Unlink failed")
		return false
	}
	return true
}

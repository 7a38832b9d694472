//go:build linux

package capability

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ipa-dump/ipa-dump-go/internal/memory"
	"golang.org/x/sys/unix"
)

// registerHostProbes 注册 Linux 宿主的原语探测
func registerHostProbes(r *Resolver) {
	r.Register(RawRead, func() (any, error) {
		return memory.NewVMReader()
	})

	r.Register(RawReadFallback, func() (any, error) {
		return memory.NewProcMemReader()
	})

	r.Register(ModuleEnumerate, func() (any, error) {
		// 探测一次，确认 maps 可读
		if _, err := enumerateModules(); err != nil {
			return nil, err
		}
		return ModuleListFunc(enumerateModules), nil
	})

	r.Register(DirectoryOpen, func() (any, error) {
		fd, err := unix.Open("/", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, fmt.Errorf("open / as directory: %w", err)
		}
		unix.Close(fd)
		return OpenDirFunc(openDir), nil
	})

	r.Register(FileRead, func() (any, error) {
		return ReadRangeFunc(readRange), nil
	})

	r.Register(FileUnlink, func() (any, error) {
		return UnlinkFunc(unix.Unlink), nil
	})
}

func openDir(path string) (int, error) {
	return unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
}

func readRange(path string, offset int64, length int) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	buf := make([]byte, length)
	total := 0
	for total < length {
		n, err := unix.Pread(fd, buf[total:], offset+int64(total))
		if err != nil {
			return nil, fmt.Errorf("pread %s at %d: %w", path, offset+int64(total), err)
		}
		if n == 0 {
			break // EOF，短读是正常结果
		}
		total += n
	}
	return buf[:total], nil
}

// enumerateModules 解析 /proc/self/maps，按路径取最低映射基地址
func enumerateModules() ([]Module, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("open /proc/self/maps: %w", err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	var modules []Module

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		// 格式: start-end perms offset dev inode path
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		path := fields[5]
		// 只保留文件映射，跳过 [heap]/[stack]/匿名映射
		if !strings.HasPrefix(path, "/") || seen[path] {
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			continue
		}
		base, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			continue
		}
		seen[path] = true
		modules = append(modules, Module{Path: path, Base: base})
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("scan /proc/self/maps: %w", err)
	}
	return modules, nil
}

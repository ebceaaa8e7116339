package fsx

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// 通过可替换的函数指针，让测试能稳定模拟 EXDEV / rename 失败。
var renameFunc = os.Rename

// PathTypeConflictError 表示目标路径类型冲突（例如期望目录但实际是文件）。
// 上层把它映射为 error_code=write_failed。
type PathTypeConflictError struct {
	Path string
	Want string
	Got  string
}

func (e *PathTypeConflictError) Error() string {
	return fmt.Sprintf("目标路径类型冲突：%q（期望 %s，实际 %s）", e.Path, e.Want, e.Got)
}

func IsPathTypeConflict(err error) bool {
	var e *PathTypeConflictError
	return errors.As(err, &e)
}

// CrossDeviceError 表示跨盘（EXDEV）导致的 rename 失败。
// 临时文件总是与目标同目录，出现该错误通常意味着输出目录是挂载点之类的特殊路径。
type CrossDeviceError struct {
	Src string
	Dst string
	Err error
}

func (e *CrossDeviceError) Error() string {
	return fmt.Sprintf("跨盘 rename 失败（EXDEV）：%q -> %q：%v", e.Src, e.Dst, e.Err)
}

func (e *CrossDeviceError) Unwrap() error { return e.Err }

// IsCrossDevice 判断 err 是否为跨盘（EXDEV）错误。
func IsCrossDevice(err error) bool {
	var e *CrossDeviceError
	return errors.As(err, &e)
}

// Rename 封装 os.Rename，并把 EXDEV 显式标记为 CrossDeviceError。
func Rename(src, dst string) error {
	if err := renameFunc(src, dst); err != nil {
		if isEXDEV(err) {
			return &CrossDeviceError{Src: src, Dst: dst, Err: err}
		}
		return err
	}
	return nil
}

// EnsureDir 创建目录（含父目录）；若路径已存在但不是目录，返回 PathTypeConflictError。
func EnsureDir(dir string) error {
	if fi, err := os.Stat(dir); err == nil {
		if !fi.IsDir() {
			return &PathTypeConflictError{Path: dir, Want: "dir", Got: fi.Mode().Type().String()}
		}
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// WriteFileAtomic 在 dir 下原子写入 name（临时文件 + rename），覆盖同名文件。
func WriteFileAtomic(dir, name string, data []byte) error {
	return WriteAtomic(filepath.Join(dir, name), func(w io.Writer) error {
		return writeAll(w, data)
	})
}

// WriteAtomic 以流式方式原子写入 dst：fn 写入同目录临时文件，成功后 rename 覆盖 dst。
//
// - 临时文件前缀带 '.'，命名为 .<name>.tmp-*，失败时总会被清理
// - 对临时文件做 Sync；目录 Sync 为 best-effort
// - 若 dst 已存在且是目录，返回 PathTypeConflictError
func WriteAtomic(dst string, fn func(w io.Writer) error) error {
	dst = filepath.Clean(dst)
	if fi, err := os.Lstat(dst); err == nil && fi.IsDir() {
		return &PathTypeConflictError{Path: dst, Want: "file", Got: "dir"}
	}

	dir := filepath.Dir(dst)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	bw := bufio.NewWriterSize(tmp, 256<<10)
	if err := fn(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return commit(tmpName, dst)
}

// TempPath 在 dst 同目录预留一个临时文件路径，供外部工具写入；
// 写完后调用 Commit 原子替换到 dst，或调用 cleanup 放弃。cleanup 在 Commit 之后调用是安全的。
func TempPath(dst string) (path string, cleanup func(), err error) {
	dst = filepath.Clean(dst)
	dir := filepath.Dir(dst)
	if err := EnsureDir(dir); err != nil {
		return "", nil, err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*"+filepath.Ext(dst))
	if err != nil {
		return "", nil, err
	}
	name := f.Name()
	_ = f.Close()
	return name, func() { _ = os.Remove(name) }, nil
}

// Commit 把 TempPath 预留的文件原子替换到 dst。
func Commit(tmpPath, dst string) error {
	return commit(tmpPath, filepath.Clean(dst))
}

func commit(tmpName, dst string) error {
	if err := Rename(tmpName, dst); err != nil {
		return err
	}
	_ = syncDirBestEffort(filepath.Dir(dst))
	return nil
}

func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func syncDirBestEffort(dir string) error {
	// Windows 上目录 Sync 的语义与支持情况不稳定，这里直接跳过。
	if runtime.GOOS == "windows" {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

package filesystem

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"assigndoc/pkg/contract"
)

// StdinID: 从标准输入读取的请求文件标识。
const StdinID contract.FileID = "-"

// DefaultExtensions: 目录扫描时接受的请求文件扩展名。
var DefaultExtensions = []string{".json", ".yaml", ".yml"}

// Options: 请求文件读取配置。
type Options struct {
	// BufSize 读缓冲区大小（字节），默认 64KiB。
	BufSize int `json:"buf_size"`
	// ExcludeDirNames: 目录扫描时跳过的目录基名（大小写不敏感）。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// Extensions: 目录扫描时接受的扩展名；为空使用 DefaultExtensions。
	// 显式列出的单个文件不受此限制。
	Extensions []string `json:"extensions"`
	// IncludeHidden: 是否扫描以 "." 开头的文件与目录。默认跳过。
	IncludeHidden bool `json:"include_hidden"`
}

// FileSystem: 基于文件系统与 STDIN 的请求 Reader。
type FileSystem struct {
	bufSize    int
	excludeDir map[string]struct{}
	exts       []string
	hidden     bool
}

func New(opts *Options) *FileSystem {
	var o Options
	if opts != nil {
		o = *opts
	}
	r := &FileSystem{bufSize: o.BufSize, excludeDir: map[string]struct{}{}, hidden: o.IncludeHidden}
	if r.bufSize <= 0 {
		r.bufSize = 64 * 1024
	}
	for _, name := range o.ExcludeDirNames {
		if name != "" {
			r.excludeDir[strings.ToLower(name)] = struct{}{}
		}
	}
	exts := o.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		r.exts = append(r.exts, e)
	}
	return r
}

var _ contract.Reader = (*FileSystem)(nil)

// Iterate 按稳定顺序对每个请求文件调用 yield。roots 为空或仅含 "-" 时读取 STDIN。
func (r *FileSystem) Iterate(ctx context.Context, roots []string, yield func(fileID contract.FileID, rc io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(roots) == 0 || (len(roots) == 1 && roots[0] == "-") {
		return yield(StdinID, newBufferedCloser(io.NopCloser(os.Stdin), r.bufSize))
	}
	if len(roots) > 1 && slices.Contains(roots, "-") {
		return errors.New("stdin '-' cannot be mixed with other roots")
	}
	for _, root := range roots {
		if err := r.iterateOne(ctx, root, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) iterateOne(ctx context.Context, root string, yield func(contract.FileID, io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Lstat(root)
	if err != nil {
		return err
	}
	// 符号链接仅跟随到常规文件
	if info.Mode()&os.ModeSymlink != 0 {
		t, err := os.Stat(root)
		if err != nil {
			return err
		}
		if !t.Mode().IsRegular() {
			return nil
		}
		return r.open(root, yield)
	}
	if info.IsDir() {
		return r.walkDir(ctx, root, yield)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return r.open(root, yield)
}

func (r *FileSystem) walkDir(ctx context.Context, dir string, yield func(contract.FileID, io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir) // 已按文件名排序
	if err != nil {
		return err
	}
	// 先目录后文件；目录符号链接不跟随
	for _, e := range entries {
		if !e.IsDir() || r.skipName(e.Name()) {
			continue
		}
		if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip {
			continue
		}
		if err := r.walkDir(ctx, filepath.Join(dir, e.Name()), yield); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || r.skipName(e.Name()) || !r.accept(e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if e.Type()&os.ModeSymlink != 0 {
			t, err := os.Stat(p)
			if err != nil {
				return err
			}
			if !t.Mode().IsRegular() {
				continue
			}
		} else if !e.Type().IsRegular() {
			continue
		}
		if err := r.open(p, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) skipName(name string) bool {
	return !r.hidden && strings.HasPrefix(name, ".")
}

func (r *FileSystem) accept(name string) bool {
	return slices.Contains(r.exts, strings.ToLower(filepath.Ext(name)))
}

func (r *FileSystem) open(p string, yield func(contract.FileID, io.ReadCloser) error) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	brc := newBufferedCloser(f, r.bufSize)
	if err := yield(contract.NormalizeFileID(p), brc); err != nil {
		_ = brc.Close()
		return err
	}
	return nil
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error { return b.c.Close() }

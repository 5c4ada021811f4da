// Package fusebridge is the thin translation layer between bazil.org/fuse's
// kernel-facing interfaces and the virtual-file semantics implemented by
// internal/vfile: it turns fs.Node/fs.Handle callbacks into VirtualFile
// operations and VirtualFile results into fuse.Attr/fuse.Dirent values.
package fusebridge

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mikeswain-rewrite/commandfs/internal/config"
	"github.com/mikeswain-rewrite/commandfs/internal/vfile"
)

// FS is the root of the projected namespace.
type FS struct {
	cfg     *config.Config
	factory *vfile.Factory
	log     logrus.FieldLogger
}

// New builds the FUSE-facing filesystem root.
func New(cfg *config.Config, factory *vfile.Factory, log logrus.FieldLogger) *FS {
	return &FS{cfg: cfg, factory: factory, log: log}
}

// Root implements fs.FS.
func (f *FS) Root() (fusefs.Node, error) {
	return &Node{fs: f, rel: "/"}, nil
}

// Node represents one path in the projected namespace. It carries no
// cached state between kernel calls; each operation builds a fresh
// VirtualFile from the shared Factory.
type Node struct {
	fs  *FS
	rel string
}

var (
	_ fusefs.Node               = (*Node)(nil)
	_ fusefs.NodeStringLookuper = (*Node)(nil)
	_ fusefs.HandleReadDirAller = (*Node)(nil)
	_ fusefs.NodeReadlinker     = (*Node)(nil)
	_ fusefs.NodeOpener         = (*Node)(nil)
)

// Attr implements fs.Node.
func (n *Node) Attr(ctx context.Context, a *fuse.Attr) error {
	vf := n.fs.factory.FromDst(n.rel)
	defer vf.Destroy()

	attr, err := vf.GetAttr(ctx)
	if err != nil {
		return translateErr(err)
	}
	applyAttr(a, attr)
	return nil
}

// Lookup implements fs.NodeStringLookuper.
func (n *Node) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	child := joinRel(n.rel, name)
	vf := n.fs.factory.FromDst(child)
	defer vf.Destroy()

	if _, err := vf.GetAttr(ctx); err != nil {
		return nil, translateErr(err)
	}
	return &Node{fs: n.fs, rel: child}, nil
}

// ReadDirAll implements fs.HandleReadDirAller. It enumerates the source
// directory and includes each child iff it is a directory that would not
// be hidden, a regular file that qualifies for materialisation, or
// link_thru is set.
func (n *Node) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	vf := n.fs.factory.FromDst(n.rel)
	defer vf.Destroy()

	hidden, err := vf.DirectoryHiddenByFilter()
	if err != nil {
		return nil, translateErr(err)
	}
	if hidden {
		return nil, fuse.ENOENT
	}

	entries, err := os.ReadDir(vf.SourcePath())
	if err != nil {
		return nil, translateErr(err)
	}

	var dirents []fuse.Dirent
	for _, entry := range entries {
		childSrc := filepath.Join(vf.SourcePath(), entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}

		switch {
		case info.IsDir():
			childVF := n.fs.factory.FromSrc(childSrc)
			childHidden, err := childVF.DirectoryHiddenByFilter()
			childVF.Destroy()
			if err != nil || childHidden {
				continue
			}
			dirents = append(dirents, fuse.Dirent{Name: entry.Name(), Type: fuse.DT_Dir})

		case info.Mode().IsRegular():
			childVF := n.fs.factory.FromSrc(childSrc)
			command, err := childVF.GetCommand()
			childVF.Destroy()
			switch {
			case err == nil && command != "":
				dirents = append(dirents, fuse.Dirent{Name: entry.Name(), Type: fuse.DT_File})
			case n.fs.cfg.LinkThru:
				dirents = append(dirents, fuse.Dirent{Name: entry.Name(), Type: fuse.DT_Link})
			}

		case n.fs.cfg.LinkThru:
			dirents = append(dirents, fuse.Dirent{Name: entry.Name()})
		}
	}
	return dirents, nil
}

// Readlink implements fs.NodeReadlinker for pass-through entries.
func (n *Node) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	vf := n.fs.factory.FromDst(n.rel)
	defer vf.Destroy()
	return vf.SourcePath(), nil
}

// Open implements fs.NodeOpener.
func (n *Node) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	vf := n.fs.factory.FromDst(n.rel)
	if _, err := vf.GetHandle(ctx); err != nil {
		vf.Destroy()
		return nil, translateErr(err)
	}
	resp.Flags |= fuse.OpenKeepCache
	return &Handle{vf: vf}, nil
}

// Handle is the open-file handle for one qualifying (or pass-through)
// regular file.
type Handle struct {
	vf *vfile.VirtualFile
}

var (
	_ fusefs.HandleReader   = (*Handle)(nil)
	_ fusefs.HandleReleaser = (*Handle)(nil)
)

// Read implements fs.HandleReader.
func (h *Handle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	f, err := h.vf.GetHandle(ctx)
	if err != nil {
		return translateErr(err)
	}
	buf := make([]byte, req.Size)
	n, err := f.ReadAt(buf, req.Offset)
	if err != nil && err != io.EOF {
		return translateErr(err)
	}
	resp.Data = buf[:n]
	return nil
}

// Release implements fs.HandleReleaser.
func (h *Handle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return h.vf.Destroy()
}

func applyAttr(a *fuse.Attr, attr *vfile.Attr) {
	a.Size = uint64(attr.Size)
	a.Mode = attr.Mode
	a.Mtime = attr.ModTime
	a.Nlink = 1
	if attr.Kind == vfile.KindSymlink {
		a.Nlink = 2
	}
}

func joinRel(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case os.IsNotExist(err), errors.Is(err, vfile.ErrNotFound):
		return fuse.ENOENT
	case os.IsPermission(err), errors.Is(err, vfile.ErrPermission):
		return fuse.EPERM
	case errors.Is(err, vfile.ErrLockTimeout):
		return fuse.Errno(syscall.EIO)
	default:
		return fuse.Errno(syscall.EIO)
	}
}

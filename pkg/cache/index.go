package cache

import (
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/bizflycloud/backupd/pkg/support"
)

// Index maps absolute paths to the file state seen by the last backup.
type Index struct {
	Key       string           `json:"key"`
	CreatedAt time.Time        `json:"created_at"`
	Items     map[string]*Node `json:"items"`
}

func NewIndex(key string) *Index {
	return &Index{
		Key:       key,
		CreatedAt: time.Now(),
		Items:     make(map[string]*Node),
	}
}

// Changed reports whether the file at path differs from the indexed state.
// Unknown paths are changed.
func (idx *Index) Changed(path string, fi os.FileInfo) bool {
	old, ok := idx.Items[path]
	if !ok {
		return true
	}
	cur := NodeFromFileInfo(path, fi)
	return old.Type != cur.Type ||
		old.Size != cur.Size ||
		!old.ModTime.Equal(cur.ModTime) ||
		!old.ChangeTime.Equal(cur.ChangeTime) ||
		old.Mode != cur.Mode ||
		old.LinkTarget != cur.LinkTarget
}

// Add records the state of path.
func (idx *Index) Add(path string, fi os.FileInfo) {
	idx.Items[path] = NodeFromFileInfo(path, fi)
}

type Node struct {
	Name       string      `json:"name"`
	Type       string      `json:"type"`
	Mode       os.FileMode `json:"mode,omitempty"`
	ModTime    time.Time   `json:"mtime,omitempty"`
	ChangeTime time.Time   `json:"ctime,omitempty"`
	UID        uint32      `json:"uid"`
	GID        uint32      `json:"gid"`
	User       string      `json:"user,omitempty"`
	Size       uint64      `json:"size,omitempty"`
	LinkTarget string      `json:"linktarget,omitempty"`
}

func (node *Node) fillExtra(path string, fi os.FileInfo) {
	ctime, uid, gid, ok := support.ItemStat(fi)
	if !ok {
		return
	}
	node.ChangeTime = ctime
	node.UID = uid
	node.GID = gid
	if u, err := user.LookupId(strconv.Itoa(int(uid))); err == nil {
		node.User = u.Username
	}
	if node.Type == "symlink" {
		node.LinkTarget, _ = os.Readlink(path)
	}
}

func NodeFromFileInfo(path string, fi os.FileInfo) *Node {
	node := &Node{
		Name:    fi.Name(),
		Mode:    fi.Mode() & os.ModePerm,
		ModTime: fi.ModTime().UTC(),
	}
	switch fi.Mode() & (os.ModeType | os.ModeCharDevice) {
	case 0:
		node.Type = "file"
		node.Size = uint64(fi.Size())
	case os.ModeDir:
		node.Type = "dir"
	case os.ModeSymlink:
		node.Type = "symlink"
	default:
		node.Type = "other"
	}
	node.fillExtra(path, fi)
	return node
}

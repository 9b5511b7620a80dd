package archive

import (
	"strings"

	"github.com/openrates/geostage/internal/detect"
)

// Node is one node in an archive's directory tree. Children keep the order
// in which entries were encountered in the central directory.
type Node struct {
	Name     string             `json:"name"`
	IsDir    bool               `json:"isDir"`
	Size     int64              `json:"size,omitempty"`
	Kind     detect.ContentKind `json:"kind,omitempty"`
	Children []*Node            `json:"children,omitempty"`
}

// BuildTree materializes a directory tree from entry paths. Intermediate
// directory nodes are created on first reference.
func BuildTree(entries []Entry) *Node {
	root := &Node{Name: "/", IsDir: true}

	for _, e := range entries {
		parts := strings.Split(strings.Trim(e.Path, "/"), "/")
		if len(parts) == 0 || parts[0] == "" {
			continue
		}

		cur := root
		for _, dir := range parts[:len(parts)-1] {
			cur = cur.childDir(dir)
		}
		cur.Children = append(cur.Children, &Node{
			Name: parts[len(parts)-1],
			Size: e.Size,
			Kind: e.Kind,
		})
	}

	return root
}

// childDir returns the named directory child, creating it if absent.
func (n *Node) childDir(name string) *Node {
	for _, c := range n.Children {
		if c.IsDir && c.Name == name {
			return c
		}
	}
	child := &Node{Name: name, IsDir: true}
	n.Children = append(n.Children, child)
	return child
}

// Find returns the node at a slash-separated path, or nil.
func (n *Node) Find(path string) *Node {
	cur := n
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		var next *Node
		for _, c := range cur.Children {
			if c.Name == part {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

package storage

import (
	"path"
	"strings"
)

// Path is an absolute, slash-separated node path in the coordination store,
// for example "/bulkload/bulk_load/3/0". The zero value is the root.
type Path string

// Root is the top of the key space.
const Root Path = "/"

// NewPath cleans p into an absolute Path.
func NewPath(p string) Path {
	if p == "" {
		return Root
	}
	return Path(path.Clean("/" + p))
}

// Child returns the path of the named child node. Names containing a slash
// address a deeper descendant.
func (p Path) Child(name string) Path {
	return NewPath(string(p.norm()) + "/" + name)
}

// Parent returns the parent path. The parent of Root is Root.
func (p Path) Parent() Path {
	return NewPath(path.Dir(string(p.norm())))
}

// Base returns the last element of the path, or "" for Root.
func (p Path) Base() string {
	if p.IsRoot() {
		return ""
	}
	return path.Base(string(p.norm()))
}

func (p Path) IsRoot() bool {
	return p.norm() == Root
}

// IsAncestorOf reports whether q lies strictly below p.
func (p Path) IsAncestorOf(q Path) bool {
	pn, qn := p.norm(), q.norm()
	if pn == qn {
		return false
	}
	if pn == Root {
		return true
	}
	return strings.HasPrefix(string(qn), string(pn)+"/")
}

// Ancestors returns every proper ancestor of p below Root, outermost first.
func (p Path) Ancestors() []Path {
	var out []Path
	for a := p.Parent(); !a.IsRoot(); a = a.Parent() {
		out = append([]Path{a}, out...)
	}
	return out
}

func (p Path) String() string {
	return string(p.norm())
}

func (p Path) norm() Path {
	if p == "" {
		return Root
	}
	return p
}

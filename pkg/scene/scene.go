// Package scene holds the tree of rigid transforms that places tools, bones
// and implants relative to each other. A node's world matrix is the product
// of its ancestors' local matrices with its own, root first.
//
// Nodes are not safe for concurrent use; the navigation tracker is their
// single writer.
package scene

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"kneenav/internal/models"
	"kneenav/pkg/geometry"
)

// Node is one rigid transform in the tree.
type Node struct {
	Name string

	local    mgl64.Mat4
	parent   *Node
	children []*Node
}

// NewNode creates a detached node with the identity transform.
func NewNode(name string) *Node {
	return &Node{Name: name, local: mgl64.Ident4()}
}

// Local returns the node's transform relative to its parent.
func (n *Node) Local() mgl64.Mat4 { return n.local }

// SetLocal replaces the node's transform relative to its parent.
func (n *Node) SetLocal(m mgl64.Mat4) { n.local = m }

// Adjust nudges the local transform by Euler angle and translation deltas.
func (n *Node) Adjust(dEuler, dPos mgl64.Vec3) {
	n.local = geometry.AdjustTransform(n.local, dEuler, dPos)
}

// Parent returns the parent node, nil for a root.
func (n *Node) Parent() *Node { return n.parent }

// Children returns a copy of the child list.
func (n *Node) Children() []*Node { return append([]*Node(nil), n.children...) }

// SetParent moves the node under parent, or detaches it when parent is nil.
// Re-parenting onto the node itself or one of its descendants is rejected
// and leaves the tree unchanged.
func (n *Node) SetParent(parent *Node) error {
	for p := parent; p != nil; p = p.parent {
		if p == n {
			return fmt.Errorf("parenting %q under %q would form a cycle: %w", n.Name, parent.Name, models.ErrInput)
		}
	}
	if n.parent != nil {
		siblings := n.parent.children
		for i, c := range siblings {
			if c == n {
				n.parent.children = append(siblings[:i:i], siblings[i+1:]...)
				break
			}
		}
	}
	n.parent = parent
	if parent != nil {
		parent.children = append(parent.children, n)
	}
	return nil
}

// World walks to the root and returns ancestor_n * ... * ancestor_1 * local.
func (n *Node) World() mgl64.Mat4 {
	w := n.local
	for p := n.parent; p != nil; p = p.parent {
		w = p.local.Mul4(w)
	}
	return w
}

// RelativeTo expresses the node's world transform in other's frame.
func (n *Node) RelativeTo(other *Node) mgl64.Mat4 {
	return geometry.RigidInverse(other.World()).Mul4(n.World())
}

package scene

import (
	"fmt"

	"kneenav/internal/models"
)

// Tool identifiers reported by the tracking hardware.
const (
	FemurToolID = "femur"
	TibiaToolID = "tibia"
)

// Rig is the fixed transform tree of a navigated knee:
//
//	origin
//	├── femur tool ── femur bone ── femur implant
//	└── tibia tool ── tibia bone ── tibia implant
//
// Tool nodes take the live tracker poses, bone nodes the tool to bone
// calibration and implant nodes the planned placement.
type Rig struct {
	Origin *Node

	FemurTool    *Node
	Femur        *Node
	FemurImplant *Node

	TibiaTool    *Node
	Tibia        *Node
	TibiaImplant *Node
}

// NewRig builds the tree with identity transforms.
func NewRig() *Rig {
	r := &Rig{
		Origin:       NewNode("origin"),
		FemurTool:    NewNode("femur tool"),
		Femur:        NewNode("femur"),
		FemurImplant: NewNode("femur implant"),
		TibiaTool:    NewNode("tibia tool"),
		Tibia:        NewNode("tibia"),
		TibiaImplant: NewNode("tibia implant"),
	}
	// fresh nodes cannot form a cycle
	_ = r.FemurTool.SetParent(r.Origin)
	_ = r.Femur.SetParent(r.FemurTool)
	_ = r.FemurImplant.SetParent(r.Femur)
	_ = r.TibiaTool.SetParent(r.Origin)
	_ = r.Tibia.SetParent(r.TibiaTool)
	_ = r.TibiaImplant.SetParent(r.Tibia)
	return r
}

// Tool returns the tool node for a tracker id.
func (r *Rig) Tool(id string) (*Node, error) {
	switch id {
	case FemurToolID:
		return r.FemurTool, nil
	case TibiaToolID:
		return r.TibiaTool, nil
	}
	return nil, fmt.Errorf("unknown tool %q: %w", id, models.ErrInput)
}

// Bone returns the bone node.
func (r *Rig) Bone(b models.Bone) *Node {
	if b == models.Tibia {
		return r.Tibia
	}
	return r.Femur
}

// Implant returns the implant node of a bone.
func (r *Rig) Implant(b models.Bone) *Node {
	if b == models.Tibia {
		return r.TibiaImplant
	}
	return r.FemurImplant
}

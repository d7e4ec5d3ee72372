package decompose

import (
	"github.com/stepflow-ai/stepflow/pkg/models"
)

// node is one step in the decomposition tree. parent is an arena index,
// -1 for root steps.
type node struct {
	step     models.MicroStep
	parent   int
	children []int
}

// arena owns every node created during one decomposition. Handles are
// indices into nodes and parents are always created before their children,
// so parent links cannot form cycles.
type arena struct {
	nodes []node
}

func newArena() *arena {
	return &arena{}
}

// add appends a node and links it under parent. It returns the new handle.
func (a *arena) add(step models.MicroStep, parent int) int {
	h := len(a.nodes)
	a.nodes = append(a.nodes, node{step: step, parent: parent})
	if parent >= 0 {
		a.nodes[parent].children = append(a.nodes[parent].children, h)
	}
	return h
}

// flatten walks the tree depth-first in insertion order and returns the
// steps with step_number, level, parent_step_id and is_leaf filled in.
// Numbering is contiguous from 1 across the whole sequence.
func (a *arena) flatten() []models.MicroStep {
	out := make([]models.MicroStep, 0, len(a.nodes))

	var walk func(h, level int, parentID *string)
	walk = func(h, level int, parentID *string) {
		n := &a.nodes[h]
		n.step.StepNumber = len(out) + 1
		n.step.Level = level
		n.step.ParentStepID = parentID
		n.step.IsLeaf = len(n.children) == 0
		out = append(out, n.step)

		id := n.step.StepID
		for _, child := range n.children {
			walk(child, level+1, &id)
		}
	}

	for h := range a.nodes {
		if a.nodes[h].parent == -1 {
			walk(h, 0, nil)
		}
	}
	return out
}

// Package graphrewrite rewrites input references in a submitted graph so
// staged job inputs (uploaded images, parameters) land on the right nodes
// before the graph reaches the engine. The engine accepts two JSON shapes
// for the same graph — a server-API map keyed by node id, and an editor
// export shaped {nodes: [...], links: [...]} — so traversal goes through
// the NodeAccessor interface rather than assuming one shape.
package graphrewrite

import (
	"fmt"
)

// NodeAccessor abstracts over one graph shape's node representation so a
// rewrite rule can be written once and applied to either shape.
type NodeAccessor interface {
	// Nodes returns every node id paired with its mutable field map.
	Nodes() map[string]map[string]any
	// ClassType returns the node's type name (class_type in the API shape,
	// type in the editor shape).
	ClassType(node map[string]any) string
	// Inputs returns the node's "inputs" map in either shape, creating an
	// empty one if the node has none.
	Inputs(node map[string]any) map[string]any
}

// apiAccessor handles the server-API shape: {"<id>": {"class_type": "...",
// "inputs": {...}}, ...}.
type apiAccessor struct {
	graph map[string]any
}

func NewAPIAccessor(graph map[string]any) (NodeAccessor, error) {
	return &apiAccessor{graph: graph}, nil
}

func (a *apiAccessor) Nodes() map[string]map[string]any {
	out := make(map[string]map[string]any, len(a.graph))
	for id, v := range a.graph {
		if node, ok := v.(map[string]any); ok {
			out[id] = node
		}
	}
	return out
}

func (a *apiAccessor) ClassType(node map[string]any) string {
	s, _ := node["class_type"].(string)
	return s
}

func (a *apiAccessor) Inputs(node map[string]any) map[string]any {
	inputs, _ := node["inputs"].(map[string]any)
	if inputs == nil {
		inputs = map[string]any{}
		node["inputs"] = inputs
	}
	return inputs
}

// editorAccessor handles the UI-export shape: {"nodes": [{"id": 1, "type":
// "...", "widgets_values": [...]}], "links": [...]}.
type editorAccessor struct {
	nodes map[string]map[string]any
}

func NewEditorAccessor(graph map[string]any) (NodeAccessor, error) {
	rawNodes, ok := graph["nodes"].([]any)
	if !ok {
		return nil, fmt.Errorf("graphrewrite: editor graph missing nodes array")
	}
	nodes := make(map[string]map[string]any, len(rawNodes))
	for _, rn := range rawNodes {
		node, ok := rn.(map[string]any)
		if !ok {
			continue
		}
		id := fmt.Sprintf("%v", node["id"])
		nodes[id] = node
	}
	return &editorAccessor{nodes: nodes}, nil
}

func (e *editorAccessor) Nodes() map[string]map[string]any { return e.nodes }

func (e *editorAccessor) ClassType(node map[string]any) string {
	s, _ := node["type"].(string)
	return s
}

func (e *editorAccessor) Inputs(node map[string]any) map[string]any {
	inputs, _ := node["inputs"].(map[string]any)
	if inputs == nil {
		inputs = map[string]any{}
		node["inputs"] = inputs
	}
	return inputs
}

// Detect picks the right NodeAccessor for graph's shape.
func Detect(graph map[string]any) (NodeAccessor, error) {
	if _, ok := graph["nodes"]; ok {
		return NewEditorAccessor(graph)
	}
	return NewAPIAccessor(graph)
}

// inputLoadingClasses names the node classes recognized as consuming a
// staged job input, and which of their input fields carries the reference.
var inputLoadingClasses = map[string]string{
	"LoadImage":     "image",
	"LoadImageMask": "image",
	"LoadVideo":     "video",
}

// Rewrite traverses graph (in either supported shape) and, for every node
// whose class belongs to the recognized input-loading set, replaces the
// value of its image/video field with the materialized staged name when
// the current value matches one of stagedNames' logical names. Nodes of
// unrecognized classes, and fields whose current value doesn't match any
// staged input, are left untouched.
func Rewrite(graph map[string]any, stagedNames map[string]string) error {
	if len(stagedNames) == 0 {
		return nil
	}
	accessor, err := Detect(graph)
	if err != nil {
		return err
	}

	for _, node := range accessor.Nodes() {
		field, ok := inputLoadingClasses[accessor.ClassType(node)]
		if !ok {
			continue
		}
		inputs := accessor.Inputs(node)
		current, ok := inputs[field].(string)
		if !ok {
			continue
		}
		if staged, ok := stagedNames[current]; ok {
			inputs[field] = staged
		}
	}
	return nil
}

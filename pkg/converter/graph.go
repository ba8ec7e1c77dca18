package converter

import (
	"bytes"
	"encoding/json"

	"github.com/zerfoo/zcaffe/internal/caffe"
	"github.com/zerfoo/zcaffe/pkg/mapper"
	"github.com/zerfoo/zcaffe/pkg/ops"
	"k8s.io/klog/v2"
)

// Node is one operation of the converted network. Input names the predecessor node
// and is empty for the network's entry node.
type Node struct {
	Op    ops.Op       `json:"layer"`
	Input string       `json:"input,omitempty"`
	Layer *caffe.Layer `json:"-"`
}

// NodeMap maps node names to nodes and remembers insertion order. It marshals to a
// JSON object whose keys follow that order.
type NodeMap struct {
	names []string
	nodes map[string]*Node
}

// NewNodeMap returns an empty NodeMap.
func NewNodeMap() *NodeMap {
	return &NodeMap{nodes: make(map[string]*Node)}
}

// Set adds or replaces the node called name. A replaced node keeps its position.
func (m *NodeMap) Set(name string, n *Node) {
	if _, ok := m.nodes[name]; !ok {
		m.names = append(m.names, name)
	}
	m.nodes[name] = n
}

// Get returns the node called name.
func (m *NodeMap) Get(name string) (*Node, bool) {
	n, ok := m.nodes[name]
	return n, ok
}

// Len returns the number of nodes.
func (m *NodeMap) Len() int { return len(m.names) }

// Names returns the node names in insertion order.
func (m *NodeMap) Names() []string {
	return append([]string(nil), m.names...)
}

// MarshalJSON writes the nodes as a JSON object in insertion order.
func (m *NodeMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range m.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(m.nodes[name])
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Graph is a linearized network.
type Graph struct {
	// Input is the first node after the input placeholder, empty when the network
	// declares no input.
	Input string
	// Output is the last node emitted.
	Output string
	// Placeholder is the name of the input layer, which has no node.
	Placeholder string
	Nodes       *NodeMap
	InputSize   mapper.InputSize
	// Warnings collects every non-fatal mapping problem, in layer order.
	Warnings []error
}

// Linearize maps layers in order and chains the resulting nodes into a path.
//
// Unsupported layers are skipped without moving the chain cursor, and the node
// after them is not relinked across the gap: it names whatever node was emitted
// last. The input placeholder produces no node; the node right after it becomes the
// graph input and has no predecessor.
func Linearize(layers []*caffe.Layer) *Graph {
	g := &Graph{Nodes: NewNodeMap()}
	var last, input string
	for _, l := range layers {
		r := mapper.MapLayer(l)
		for _, w := range r.Warnings {
			if r.Kind == mapper.KindUnsupported {
				klog.Warningf("%v, skipping", w)
			} else {
				klog.Warning(w)
			}
			g.Warnings = append(g.Warnings, w)
		}

		switch r.Kind {
		case mapper.KindUnsupported:
			continue
		case mapper.KindInput:
			last, input = l.Name, l.Name
			g.Placeholder = l.Name
			g.InputSize = r.Input
			continue
		}

		node := &Node{Op: r.Op, Layer: l}
		if last != "" {
			if last == input {
				g.Input = l.Name
			} else {
				node.Input = last
			}
		}
		g.Nodes.Set(l.Name, node)
		klog.V(1).Infof("node %q: %s <- %q", l.Name, r.Op.Kind(), node.Input)
		last = l.Name
	}
	g.Output = last
	return g
}

// WeightBearing returns the names of the nodes that own weights and biases, in
// graph order.
func (g *Graph) WeightBearing() []string {
	var names []string
	for _, name := range g.Nodes.names {
		if ops.WeightBearing(g.Nodes.nodes[name].Op) {
			names = append(names, name)
		}
	}
	return names
}

// Package viz draws the change graph of a room: one node per change, labelled with its hash,
// author, sequence number and the value at a path as of that change, with an edge from every
// dependency.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
	"github.com/goccy/go-json"

	"github.com/astromechza/automerge-relay/pkg/crdt"
)

type node struct {
	hash  string
	label string
	deps  []string
}

func nodes(doc *crdt.Doc, path []any) ([]node, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]node, 0, len(changes))
	for _, change := range changes {
		label, err := labelAt(doc.Automerge(), change, path)
		if err != nil {
			return nil, err
		}
		n := node{hash: change.Hash().String(), label: label}
		for _, dep := range change.Dependencies() {
			n.deps = append(n.deps, dep.String())
		}
		out = append(out, n)
	}
	return out, nil
}

func labelAt(doc *automerge.Doc, change *automerge.Change, path []any) (string, error) {
	hash := change.Hash().String()
	label := fmt.Sprintf("%s %s@%d", hash[:8], change.ActorID(), change.ActorSeq())
	if len(path) == 0 {
		return label, nil
	}
	docAt, err := doc.Fork(change.Hash())
	if err != nil {
		return "", fmt.Errorf("failed to checkout %s: %w", hash, err)
	}
	var raw any
	if value, err := docAt.Path(path...).Get(); err == nil {
		raw = value.Interface()
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", hash, err)
	}
	return label + " " + string(encoded), nil
}

// WriteDot writes the graph in dot syntax without going through graphviz.
func WriteDot(w io.Writer, doc *crdt.Doc, path ...any) error {
	ns, err := nodes(doc, path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString("digraph \"log\" {\n")
	for _, n := range ns {
		fmt.Fprintf(&buf, "    %q [label=%s]\n", n.hash, strconv.Quote(n.label))
		for _, dep := range n.deps {
			fmt.Fprintf(&buf, "    %q -> %q\n", dep, n.hash)
		}
	}
	buf.WriteString("}\n")
	_, err = w.Write(buf.Bytes())
	return err
}

// Render lays the graph out with graphviz. Format is svg, png or jpg.
func Render(w io.Writer, doc *crdt.Doc, format string, path ...any) error {
	var f graphviz.Format
	switch strings.ToLower(format) {
	case "svg":
		f = graphviz.SVG
	case "png":
		f = graphviz.PNG
	case "jpg", "jpeg":
		f = graphviz.JPG
	default:
		return fmt.Errorf("unsupported format %q", format)
	}

	ns, err := nodes(doc, path)
	if err != nil {
		return err
	}

	g := graphviz.New()
	defer g.Close()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node, len(ns))
	edgeCounter := 0
	for _, n := range ns {
		gn, err := graph.CreateNode(n.hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		gn.SetLabel(n.label)
		nodeMap[n.hash] = gn

		for _, dep := range n.deps {
			from, ok := nodeMap[dep]
			if !ok {
				continue
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), from, gn); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, f, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

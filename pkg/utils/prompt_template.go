package utils

import (
	"fmt"
	"strings"
)

// Vars resolves slot names to their string values
type Vars interface {
	Lookup(name string) (string, bool)
}

// MapVars adapts a plain map to Vars
type MapVars map[string]string

// Lookup implements Vars
func (m MapVars) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

type nodeKind int

const (
	literalNode nodeKind = iota
	slotNode
	conditionalNode
)

type templateNode struct {
	kind      nodeKind
	text      string // literal text or slot name / condition field
	then      []templateNode
	otherwise []templateNode
}

// PromptTemplate is a prompt parsed once into literal, slot and conditional nodes.
//
// Syntax:
//
//	{{name}}                          value of a slot, empty when unknown
//	{{#if name}}...{{else}}...{{/if}} branch on whether the slot is non-empty
type PromptTemplate struct {
	Template string
	nodes    []templateNode
}

// NewPromptTemplate parses a template string
func NewPromptTemplate(templateStr string) (*PromptTemplate, error) {
	p := &templateParser{src: templateStr}
	nodes, closing, err := p.parse(0)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	if closing != "" {
		return nil, fmt.Errorf("failed to parse template: unexpected {{%s}}", closing)
	}
	return &PromptTemplate{Template: templateStr, nodes: nodes}, nil
}

// MustPromptTemplate is like NewPromptTemplate but panics on a parse error
func MustPromptTemplate(templateStr string) *PromptTemplate {
	t, err := NewPromptTemplate(templateStr)
	if err != nil {
		panic(err)
	}
	return t
}

// Render renders the template with the given variables
func (pt *PromptTemplate) Render(vars Vars) string {
	var sb strings.Builder
	renderNodes(&sb, pt.nodes, vars)
	return sb.String()
}

// Variables returns the slot and condition names referenced by the template
func (pt *PromptTemplate) Variables() []string {
	seen := make(map[string]bool)
	var out []string
	var walk func([]templateNode)
	walk = func(nodes []templateNode) {
		for _, n := range nodes {
			if n.kind == literalNode {
				continue
			}
			if !seen[n.text] {
				seen[n.text] = true
				out = append(out, n.text)
			}
			walk(n.then)
			walk(n.otherwise)
		}
	}
	walk(pt.nodes)
	return out
}

func renderNodes(sb *strings.Builder, nodes []templateNode, vars Vars) {
	for _, n := range nodes {
		switch n.kind {
		case literalNode:
			sb.WriteString(n.text)
		case slotNode:
			if v, ok := vars.Lookup(n.text); ok {
				sb.WriteString(v)
			}
		case conditionalNode:
			if v, ok := vars.Lookup(n.text); ok && v != "" {
				renderNodes(sb, n.then, vars)
			} else {
				renderNodes(sb, n.otherwise, vars)
			}
		}
	}
}

type templateParser struct {
	src string
	pos int
}

// parse reads nodes until the end of input or a closing tag ({{else}} or
// {{/if}}), which is returned so the caller can decide what it closes.
func (p *templateParser) parse(depth int) ([]templateNode, string, error) {
	var nodes []templateNode
	for p.pos < len(p.src) {
		open := strings.Index(p.src[p.pos:], "{{")
		if open < 0 {
			nodes = append(nodes, templateNode{kind: literalNode, text: p.src[p.pos:]})
			p.pos = len(p.src)
			break
		}
		if open > 0 {
			nodes = append(nodes, templateNode{kind: literalNode, text: p.src[p.pos : p.pos+open]})
		}
		start := p.pos + open + 2
		end := strings.Index(p.src[start:], "}}")
		if end < 0 {
			return nil, "", fmt.Errorf("unterminated tag at offset %d", p.pos+open)
		}
		tag := strings.TrimSpace(p.src[start : start+end])
		p.pos = start + end + 2

		switch {
		case tag == "else" || tag == "/if":
			if depth == 0 {
				return nil, "", fmt.Errorf("{{%s}} without {{#if}}", tag)
			}
			return nodes, tag, nil
		case strings.HasPrefix(tag, "#if"):
			field := strings.TrimSpace(strings.TrimPrefix(tag, "#if"))
			if field == "" {
				return nil, "", fmt.Errorf("{{#if}} without a field")
			}
			node, err := p.parseConditional(field, depth)
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, node)
		case tag == "":
			return nil, "", fmt.Errorf("empty tag at offset %d", start-2)
		default:
			nodes = append(nodes, templateNode{kind: slotNode, text: tag})
		}
	}
	if depth > 0 {
		return nil, "", fmt.Errorf("missing {{/if}}")
	}
	return nodes, "", nil
}

func (p *templateParser) parseConditional(field string, depth int) (templateNode, error) {
	node := templateNode{kind: conditionalNode, text: field}

	then, closing, err := p.parse(depth + 1)
	if err != nil {
		return node, err
	}
	node.then = then
	if closing == "/if" {
		return node, nil
	}

	otherwise, closing, err := p.parse(depth + 1)
	if err != nil {
		return node, err
	}
	if closing != "/if" {
		return node, fmt.Errorf("duplicate {{else}} in {{#if %s}}", field)
	}
	node.otherwise = otherwise
	return node, nil
}

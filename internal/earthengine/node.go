package earthengine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

type nodeKind int

const (
	kindConstant nodeKind = iota
	kindArray
	kindDictionary
	kindInvocation
	kindFunction
	kindArgument
)

// Node is one value of a lazily evaluated expression graph. Nodes are
// immutable once built and may be shared between graphs and goroutines.
type Node struct {
	kind     nodeKind
	constant any
	items    []*Node
	entries  map[string]*Node
	function string
	args     map[string]*Node
	argNames []string
	body     *Node
	argRef   string
}

// Constant wraps a JSON-encodable literal.
func Constant(v any) *Node {
	return &Node{kind: kindConstant, constant: v}
}

// Array builds a list value out of other nodes.
func Array(items ...*Node) *Node {
	return &Node{kind: kindArray, items: items}
}

// Strings is a shorthand for an array of string constants.
func Strings(values ...string) *Node {
	items := make([]*Node, len(values))
	for i, v := range values {
		items[i] = Constant(v)
	}
	return Array(items...)
}

// Dictionary builds a dictionary value out of other nodes.
func Dictionary(entries map[string]*Node) *Node {
	return &Node{kind: kindDictionary, entries: entries}
}

// Invoke calls a server-side algorithm. Nil arguments are dropped.
func Invoke(function string, args map[string]*Node) *Node {
	clean := make(map[string]*Node, len(args))
	for k, v := range args {
		if v != nil {
			clean[k] = v
		}
	}
	return &Node{kind: kindInvocation, function: function, args: clean}
}

// Function defines a server-side lambda over named arguments.
func Function(argNames []string, body *Node) *Node {
	return &Node{kind: kindFunction, argNames: argNames, body: body}
}

// ArgumentRef refers to an argument of the enclosing Function.
func ArgumentRef(name string) *Node {
	return &Node{kind: kindArgument, argRef: name}
}

// FunctionName returns the invoked algorithm, or "" for other nodes.
func (n *Node) FunctionName() string {
	if n == nil || n.kind != kindInvocation {
		return ""
	}
	return n.function
}

// Arg returns the named argument of an invocation.
func (n *Node) Arg(name string) *Node {
	if n == nil || n.kind != kindInvocation {
		return nil
	}
	return n.args[name]
}

// Items returns the elements of an array node.
func (n *Node) Items() []*Node {
	if n == nil || n.kind != kindArray {
		return nil
	}
	return n.items
}

// Value returns the literal held by a constant node.
func (n *Node) Value() any {
	if n == nil || n.kind != kindConstant {
		return nil
	}
	return n.constant
}

// Expression is the wire form of a graph: a flat table of values and the
// id of the value to compute.
type Expression struct {
	Values map[string]ValueNode `json:"values"`
	Result string               `json:"result"`
}

// ValueNode is one entry of an Expression. Exactly one field is set.
type ValueNode struct {
	ConstantValue           json.RawMessage     `json:"constantValue,omitempty"`
	ArrayValue              *ArrayValue         `json:"arrayValue,omitempty"`
	DictionaryValue         *DictionaryValue    `json:"dictionaryValue,omitempty"`
	FunctionInvocationValue *FunctionInvocation `json:"functionInvocationValue,omitempty"`
	FunctionDefinitionValue *FunctionDefinition `json:"functionDefinitionValue,omitempty"`
	ArgumentReference       string              `json:"argumentReference,omitempty"`
	ValueReference          string              `json:"valueReference,omitempty"`
}

type ArrayValue struct {
	Values []ValueNode `json:"values"`
}

type DictionaryValue struct {
	Values map[string]ValueNode `json:"values"`
}

type FunctionInvocation struct {
	FunctionName string               `json:"functionName"`
	Arguments    map[string]ValueNode `json:"arguments"`
}

type FunctionDefinition struct {
	ArgumentNames []string `json:"argumentNames"`
	Body          string   `json:"body"`
}

// Encode flattens a graph into an Expression. Identical sub-graphs are
// stored once.
func Encode(root *Node) (*Expression, error) {
	e := &encoder{
		values: make(map[string]ValueNode),
		seen:   make(map[string]string),
	}
	v, err := e.encode(root)
	if err != nil {
		return nil, err
	}
	if v.ValueReference != "" {
		return &Expression{Values: e.values, Result: v.ValueReference}, nil
	}
	id, err := e.store(v)
	if err != nil {
		return nil, err
	}
	return &Expression{Values: e.values, Result: id}, nil
}

type encoder struct {
	values map[string]ValueNode
	seen   map[string]string
}

func (e *encoder) store(v ValueNode) (string, error) {
	key, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}
	if id, ok := e.seen[string(key)]; ok {
		return id, nil
	}
	id := strconv.Itoa(len(e.values))
	e.values[id] = v
	e.seen[string(key)] = id
	return id, nil
}

func (e *encoder) encode(n *Node) (ValueNode, error) {
	if n == nil {
		return ValueNode{ConstantValue: json.RawMessage("null")}, nil
	}

	switch n.kind {
	case kindConstant:
		raw, err := json.Marshal(n.constant)
		if err != nil {
			return ValueNode{}, fmt.Errorf("failed to encode constant: %w", err)
		}
		return ValueNode{ConstantValue: raw}, nil

	case kindArray:
		values := make([]ValueNode, len(n.items))
		for i, item := range n.items {
			v, err := e.encode(item)
			if err != nil {
				return ValueNode{}, err
			}
			values[i] = v
		}
		return ValueNode{ArrayValue: &ArrayValue{Values: values}}, nil

	case kindDictionary:
		values := make(map[string]ValueNode, len(n.entries))
		for k, item := range n.entries {
			v, err := e.encode(item)
			if err != nil {
				return ValueNode{}, err
			}
			values[k] = v
		}
		return ValueNode{DictionaryValue: &DictionaryValue{Values: values}}, nil

	case kindInvocation:
		args := make(map[string]ValueNode, len(n.args))
		for _, k := range sortedKeys(n.args) {
			v, err := e.encode(n.args[k])
			if err != nil {
				return ValueNode{}, err
			}
			args[k] = v
		}
		id, err := e.store(ValueNode{FunctionInvocationValue: &FunctionInvocation{
			FunctionName: n.function,
			Arguments:    args,
		}})
		if err != nil {
			return ValueNode{}, err
		}
		return ValueNode{ValueReference: id}, nil

	case kindFunction:
		body, err := e.encode(n.body)
		if err != nil {
			return ValueNode{}, err
		}
		bodyID := body.ValueReference
		if bodyID == "" {
			if bodyID, err = e.store(body); err != nil {
				return ValueNode{}, err
			}
		}
		id, err := e.store(ValueNode{FunctionDefinitionValue: &FunctionDefinition{
			ArgumentNames: n.argNames,
			Body:          bodyID,
		}})
		if err != nil {
			return ValueNode{}, err
		}
		return ValueNode{ValueReference: id}, nil

	case kindArgument:
		return ValueNode{ArgumentReference: n.argRef}, nil
	}

	return ValueNode{}, fmt.Errorf("unknown node kind %d", n.kind)
}

// Decode rebuilds a graph from its wire form.
func Decode(expr *Expression) (*Node, error) {
	if expr == nil {
		return nil, fmt.Errorf("expression is nil")
	}
	root, ok := expr.Values[expr.Result]
	if !ok {
		return nil, fmt.Errorf("result %q not found in expression", expr.Result)
	}
	d := &decoder{values: expr.Values, done: make(map[string]*Node), active: make(map[string]bool)}
	return d.decode(root)
}

type decoder struct {
	values map[string]ValueNode
	done   map[string]*Node
	active map[string]bool
}

func (d *decoder) ref(id string) (*Node, error) {
	if n, ok := d.done[id]; ok {
		return n, nil
	}
	if d.active[id] {
		return nil, fmt.Errorf("cyclic reference to %q", id)
	}
	v, ok := d.values[id]
	if !ok {
		return nil, fmt.Errorf("reference %q not found in expression", id)
	}
	d.active[id] = true
	n, err := d.decode(v)
	delete(d.active, id)
	if err != nil {
		return nil, err
	}
	d.done[id] = n
	return n, nil
}

func (d *decoder) decode(v ValueNode) (*Node, error) {
	switch {
	case v.ValueReference != "":
		return d.ref(v.ValueReference)

	case v.ArgumentReference != "":
		return ArgumentRef(v.ArgumentReference), nil

	case v.ConstantValue != nil:
		var c any
		if err := json.Unmarshal(v.ConstantValue, &c); err != nil {
			return nil, fmt.Errorf("failed to decode constant: %w", err)
		}
		return Constant(c), nil

	case v.ArrayValue != nil:
		items := make([]*Node, len(v.ArrayValue.Values))
		for i, item := range v.ArrayValue.Values {
			n, err := d.decode(item)
			if err != nil {
				return nil, err
			}
			items[i] = n
		}
		return Array(items...), nil

	case v.DictionaryValue != nil:
		entries := make(map[string]*Node, len(v.DictionaryValue.Values))
		for k, item := range v.DictionaryValue.Values {
			n, err := d.decode(item)
			if err != nil {
				return nil, err
			}
			entries[k] = n
		}
		return Dictionary(entries), nil

	case v.FunctionInvocationValue != nil:
		args := make(map[string]*Node, len(v.FunctionInvocationValue.Arguments))
		for k, item := range v.FunctionInvocationValue.Arguments {
			n, err := d.decode(item)
			if err != nil {
				return nil, err
			}
			args[k] = n
		}
		return Invoke(v.FunctionInvocationValue.FunctionName, args), nil

	case v.FunctionDefinitionValue != nil:
		body, err := d.ref(v.FunctionDefinitionValue.Body)
		if err != nil {
			return nil, err
		}
		return Function(v.FunctionDefinitionValue.ArgumentNames, body), nil
	}

	return nil, fmt.Errorf("empty value node")
}

func sortedKeys(m map[string]*Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

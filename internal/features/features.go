// Package features compiles user-defined feature expressions over alias
// layers and standardizes the result.
package features

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/samber/lo"

	"region-similarity/internal/earthengine"
	"region-similarity/internal/variables"
)

// Template is shown whenever a definition cannot be split.
const Template = "{name}:{expression}"

// VisRange bounds the grey ramp of standardized layers.
const VisRange = 3.719

var (
	ErrEmpty         = errors.New("feature definition is empty")
	ErrMalformed     = fmt.Errorf("feature definition must look like %s", Template)
	ErrUnknownAlias  = errors.New("unknown alias")
	ErrUnsupported   = errors.New("unsupported expression")
	ErrNotComputable = errors.New("feature statistics could not be computed over the region")
)

// Definition is one user-defined feature.
type Definition struct {
	Name       string
	Expression string
}

// ParseDefinition reads "name:expression". All whitespace is removed first.
func ParseDefinition(text string) (Definition, error) {
	compact := strings.Join(strings.Fields(text), "")
	if compact == "" {
		return Definition{}, ErrEmpty
	}
	name, expression, ok := strings.Cut(compact, ":")
	if !ok || name == "" || expression == "" {
		return Definition{}, ErrMalformed
	}
	if !variables.ValidName(name) {
		return Definition{}, fmt.Errorf("%w: invalid feature name %q", ErrMalformed, name)
	}
	return Definition{Name: name, Expression: expression}, nil
}

func (d Definition) String() string {
	return d.Name + ":" + d.Expression
}

// References lists the identifiers used by an expression, sorted.
func References(expression string) ([]string, error) {
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	seen := map[string]bool{}
	collect(tree.Node, seen)
	refs := lo.Keys(seen)
	sort.Strings(refs)
	return refs, nil
}

func collect(n ast.Node, seen map[string]bool) {
	switch v := n.(type) {
	case *ast.IdentifierNode:
		seen[v.Value] = true
	case *ast.BinaryNode:
		collect(v.Left, seen)
		collect(v.Right, seen)
	case *ast.UnaryNode:
		collect(v.Node, seen)
	case *ast.CallNode:
		for _, a := range v.Arguments {
			collect(a, seen)
		}
	case *ast.BuiltinNode:
		for _, a := range v.Arguments {
			collect(a, seen)
		}
	}
}

// Compile turns an expression into an image graph over the alias layers.
// An expression naming a single alias yields that layer unchanged.
func Compile(expression string, aliases map[string]earthengine.Image) (earthengine.Image, error) {
	if img, ok := aliases[expression]; ok {
		return img, nil
	}
	tree, err := parser.Parse(expression)
	if err != nil {
		return earthengine.Image{}, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	c := compiler{aliases: aliases}
	return c.compile(tree.Node)
}

type compiler struct {
	aliases map[string]earthengine.Image
}

func (c compiler) compile(n ast.Node) (earthengine.Image, error) {
	switch v := n.(type) {
	case *ast.IdentifierNode:
		img, ok := c.aliases[v.Value]
		if !ok {
			return earthengine.Image{}, fmt.Errorf("%w %q", ErrUnknownAlias, v.Value)
		}
		return img, nil

	case *ast.IntegerNode:
		return earthengine.ConstantImage(float64(v.Value)), nil

	case *ast.FloatNode:
		return earthengine.ConstantImage(v.Value), nil

	case *ast.UnaryNode:
		operand, err := c.compile(v.Node)
		if err != nil {
			return earthengine.Image{}, err
		}
		switch v.Operator {
		case "-":
			return operand.Multiply(earthengine.ConstantImage(-1)), nil
		case "+":
			return operand, nil
		}
		return earthengine.Image{}, fmt.Errorf("%w: operator %q", ErrUnsupported, v.Operator)

	case *ast.BinaryNode:
		left, err := c.compile(v.Left)
		if err != nil {
			return earthengine.Image{}, err
		}
		right, err := c.compile(v.Right)
		if err != nil {
			return earthengine.Image{}, err
		}
		switch v.Operator {
		case "+":
			return left.Add(right), nil
		case "-":
			return left.Subtract(right), nil
		case "*":
			return left.Multiply(right), nil
		case "/":
			return left.Divide(right), nil
		case "**", "^":
			return left.Pow(right), nil
		}
		return earthengine.Image{}, fmt.Errorf("%w: operator %q", ErrUnsupported, v.Operator)

	case *ast.CallNode:
		callee, ok := v.Callee.(*ast.IdentifierNode)
		if !ok {
			return earthengine.Image{}, fmt.Errorf("%w: call", ErrUnsupported)
		}
		return c.call(callee.Value, v.Arguments)

	case *ast.BuiltinNode:
		return c.call(v.Name, v.Arguments)
	}
	return earthengine.Image{}, fmt.Errorf("%w: %T", ErrUnsupported, n)
}

func (c compiler) call(name string, args []ast.Node) (earthengine.Image, error) {
	want := 1
	switch name {
	case "abs", "sqrt", "log", "exp":
	case "min", "max", "pow":
		want = 2
	default:
		return earthengine.Image{}, fmt.Errorf("%w: function %s", ErrUnsupported, name)
	}
	if len(args) != want {
		return earthengine.Image{}, fmt.Errorf("%w: %s takes %d argument(s), got %d", ErrUnsupported, name, want, len(args))
	}

	imgs := make([]earthengine.Image, len(args))
	for i, a := range args {
		img, err := c.compile(a)
		if err != nil {
			return earthengine.Image{}, err
		}
		imgs[i] = img
	}

	switch name {
	case "abs":
		return imgs[0].Abs(), nil
	case "sqrt":
		return imgs[0].Sqrt(), nil
	case "log":
		return imgs[0].Log(), nil
	case "exp":
		return imgs[0].Exp(), nil
	case "min":
		return imgs[0].Min(imgs[1]), nil
	case "max":
		return imgs[0].Max(imgs[1]), nil
	default:
		return imgs[0].Pow(imgs[1]), nil
	}
}

// StatsOptions is the region reduction used for standardization.
var StatsOptions = earthengine.RegionOptions{Scale: 100, MaxPixels: 1e3, BestEffort: true, TileScale: 2}

// Stats are the moments used to standardize one feature.
type Stats struct {
	Mean   float64
	StdDev float64
}

// Standardize computes mean and standard deviation of img over region and
// returns the z-scored layer named name. A layer that cannot be reduced,
// or has no spread, is rejected.
func Standardize(ctx context.Context, ev variables.Evaluator, img earthengine.Image, name string, region earthengine.Geometry) (earthengine.Image, Stats, error) {
	named := img.Rename(name)
	reducer := earthengine.NewReducer("mean").Combine(earthengine.NewReducer("stdDev"))
	dict := named.ReduceRegion(reducer, region, StatsOptions)

	var vals []*float64
	if err := ev.ComputeValue(ctx, dict.Values(name+"_mean", name+"_stdDev").Node(), &vals); err != nil {
		return earthengine.Image{}, Stats{}, err
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil || *vals[1] == 0 {
		return earthengine.Image{}, Stats{}, ErrNotComputable
	}
	st := Stats{Mean: *vals[0], StdDev: *vals[1]}

	z := named.
		Subtract(earthengine.ConstantImage(st.Mean)).
		Divide(earthengine.ConstantImage(st.StdDev)).
		Rename(name)
	return z, st, nil
}

// Visualization is the fixed grey ramp for standardized layers.
func Visualization() earthengine.Visualization {
	return earthengine.Visualization{Min: -VisRange, Max: VisRange, Palette: []string{"000000", "FFFFFF"}}
}

package routetree

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/shopspring/decimal"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/transport"
)

// Metadata keys the router understands.
const (
	MetaAuthTags     = "auth_tags"
	MetaRequiredCaps = "required_capabilities"
	MetaArgSchema    = "arg_schema"
	MetaBodySchema   = "body_schema"
	MetaDescription  = "description"
)

// IndexName is the catch-all child a node may declare; resolution falls
// back to it when no deeper match exists.
const IndexName = "index"

// BoundArgs carries the coerced path and query arguments for a handler.
type BoundArgs map[string]any

// HandlerFunc is the transport-agnostic handler signature. Sync
// handlers run on the blocking pool and must take everything they need
// from req and args, not from ctx.
type HandlerFunc func(ctx context.Context, req *transport.Request, args BoundArgs) (any, error)

// ArgType names the coercion applied to a bound argument.
type ArgType string

const (
	ArgString  ArgType = "string"
	ArgInt     ArgType = "int"
	ArgFloat   ArgType = "float"
	ArgBool    ArgType = "bool"
	ArgDecimal ArgType = "decimal"
	ArgAny     ArgType = "any"
)

// ArgSpec declares one handler argument bound from path or query.
type ArgSpec struct {
	Name     string  `json:"name"`
	Type     ArgType `json:"type,omitempty"`
	Required bool    `json:"required,omitempty"`
	Default  any     `json:"default,omitempty"`
}

// Route is one handler declaration contributed by a RoutingInstance.
// Path is relative to the mount point; segments starting with ':' bind
// path parameters.
type Route struct {
	Path    string
	Handler HandlerFunc
	Sync    bool
	Args    []ArgSpec
	Meta    map[string]any
}

// RoutingInstance contributes a subtree of handlers when attached.
type RoutingInstance interface {
	Routes() []Route
}

// ParentAware instances receive a weak reference to their mount point
// for upward metadata inspection.
type ParentAware interface {
	SetParent(ref ParentRef)
}

// Handler is the invocable payload of a leaf node.
type Handler struct {
	Func HandlerFunc
	Sync bool
	Args []ArgSpec
}

// Node is one named entry in the route tree.
type Node struct {
	name       string
	pattern    string // full path pattern from the root, params as :name
	handler    *Handler
	meta       map[string]any
	children   map[string]*Node
	childOrder []string
	paramChild *Node
	paramName  string
	owner      string // attaching instance name, "" for the root's own nodes

	compiledAuth *authProgram
	bodySchema   *jsonschema.Schema
}

func newNode(name string) *Node {
	return &Node{
		name:     name,
		meta:     make(map[string]any),
		children: make(map[string]*Node),
	}
}

// Name returns the node's name (unique among siblings).
func (n *Node) Name() string { return n.name }

// Pattern returns the node's full path pattern from the root, with
// parameter segments kept as :name. Metrics and logs use it as a
// bounded-cardinality route label.
func (n *Node) Pattern() string {
	if n.pattern == "" {
		return "/"
	}
	return n.pattern
}

// Meta returns the node's metadata map.
func (n *Node) Meta() map[string]any { return n.meta }

// Owner returns the name of the instance that contributed this node.
func (n *Node) Owner() string { return n.owner }

// HasHandler reports whether the node is invocable.
func (n *Node) HasHandler() bool { return n.handler != nil }

// Handler returns the node's handler, nil for grouping nodes.
func (n *Node) Handler() *Handler { return n.handler }

// BodySchema returns the compiled body schema, nil when none declared.
func (n *Node) BodySchema() *jsonschema.Schema { return n.bodySchema }

// Children returns the literal children in insertion order.
func (n *Node) Children() []*Node {
	out := make([]*Node, 0, len(n.childOrder))
	for _, name := range n.childOrder {
		out = append(out, n.children[name])
	}
	if n.paramChild != nil {
		out = append(out, n.paramChild)
	}
	return out
}

// child inserts or returns the child for one path segment.
func (n *Node) child(segment string) (*Node, error) {
	if strings.HasPrefix(segment, ":") {
		pname := segment[1:]
		if pname == "" {
			return nil, fmt.Errorf("empty parameter name in route segment %q", segment)
		}
		if n.paramChild != nil {
			if n.paramChild.paramName != pname {
				return nil, fmt.Errorf("conflicting parameter names %q and %q under %q", n.paramChild.paramName, pname, n.name)
			}
			return n.paramChild, nil
		}
		c := newNode(segment)
		c.pattern = n.pattern + "/" + segment
		c.paramName = pname
		n.paramChild = c
		return c, nil
	}
	if c, ok := n.children[segment]; ok {
		return c, nil
	}
	c := newNode(segment)
	c.pattern = n.pattern + "/" + segment
	n.children[segment] = c
	n.childOrder = append(n.childOrder, segment)
	return c, nil
}

// insertRoute grafts one Route declaration below n.
func (n *Node) insertRoute(rt Route, owner string) error {
	cur := n
	for _, seg := range splitPath(rt.Path) {
		c, err := cur.child(seg)
		if err != nil {
			return err
		}
		if c.owner == "" {
			c.owner = owner
		}
		cur = c
	}
	if cur.handler != nil {
		return fmt.Errorf("duplicate handler at %q", rt.Path)
	}
	if rt.Handler == nil {
		return fmt.Errorf("route %q has no handler", rt.Path)
	}
	cur.handler = &Handler{Func: rt.Handler, Sync: rt.Sync, Args: rt.Args}
	for k, v := range rt.Meta {
		cur.meta[k] = v
	}
	if len(rt.Args) > 0 {
		cur.meta[MetaArgSchema] = rt.Args
	}
	return cur.compileFilters()
}

// compileFilters prepares the auth expression and body schema once, at
// attach time, so resolution stays allocation-light.
func (n *Node) compileFilters() error {
	if expr, ok := n.meta[MetaAuthTags].(string); ok && expr != "" {
		prog, err := compileAuthExpr(expr)
		if err != nil {
			return fmt.Errorf("node %q: invalid auth_tags expression: %w", n.name, err)
		}
		n.compiledAuth = prog
	}
	if doc, ok := n.meta[MetaBodySchema]; ok && doc != nil {
		sch, err := compileBodySchema(doc)
		if err != nil {
			return fmt.Errorf("node %q: invalid body_schema: %w", n.name, err)
		}
		n.bodySchema = sch
	}
	return nil
}

func compileBodySchema(doc any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// ValidateBody checks a decoded plain-JSON payload against the node's
// body schema. Typed-mode payloads are skipped; their values are not
// plain JSON shapes.
func (n *Node) ValidateBody(payload any) error {
	if n.bodySchema == nil || payload == nil {
		return nil
	}
	switch payload.(type) {
	case map[string]any, []any, string, float64, bool:
	default:
		return nil
	}
	if err := n.bodySchema.Validate(payload); err != nil {
		return errkind.Wrap(err, errkind.Validation, "body validation failed")
	}
	return nil
}

// coerceArg converts a raw string argument per the declared type.
func coerceArg(spec ArgSpec, raw string) (any, error) {
	switch spec.Type {
	case ArgString, ArgAny, "":
		return raw, nil
	case ArgInt:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errkind.Newf(errkind.Validation, "bad_argument", "argument %q must be an integer", spec.Name)
		}
		return v, nil
	case ArgFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, errkind.Newf(errkind.Validation, "bad_argument", "argument %q must be a number", spec.Name)
		}
		return v, nil
	case ArgBool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errkind.Newf(errkind.Validation, "bad_argument", "argument %q must be a boolean", spec.Name)
		}
		return v, nil
	case ArgDecimal:
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, errkind.Newf(errkind.Validation, "bad_argument", "argument %q must be a decimal", spec.Name)
		}
		return v, nil
	default:
		return nil, errkind.Newf(errkind.Validation, "bad_argument", "argument %q has unknown type %q", spec.Name, spec.Type)
	}
}

// splitPath splits on '/' and drops empty leading/trailing segments.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

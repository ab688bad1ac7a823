package routetree

import (
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/gantrylab/gantry/internal/errkind"
)

// IntrospectMode selects the Nodes output shape.
type IntrospectMode string

const (
	ModeTree    IntrospectMode = "tree"
	ModeFlat    IntrospectMode = "flat"
	ModeOpenAPI IntrospectMode = "openapi"
)

// NodeInfo is a read-only snapshot of one node for documentation.
type NodeInfo struct {
	Name     string         `json:"name"`
	Path     string         `json:"path"`
	Handler  bool           `json:"handler"`
	Sync     bool           `json:"sync,omitempty"`
	Owner    string         `json:"owner,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
	Args     []ArgSpec      `json:"args,omitempty"`
	Children []*NodeInfo    `json:"children,omitempty"`
}

// APIInfo feeds the OpenAPI document header.
type APIInfo struct {
	Title       string
	Version     string
	Description string
	Servers     []string
}

// Nodes returns a snapshot of the subtree below basepath in the given
// mode. It never mutates the tree.
func (r *Router) Nodes(basepath string, mode IntrospectMode) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := r.root
	prefix := []string{}
	for _, seg := range splitPath(basepath) {
		c, ok := start.children[seg]
		if !ok {
			return nil, errkind.Newf(errkind.NotFound, "not_found", "no node at %q", basepath)
		}
		start = c
		prefix = append(prefix, seg)
	}

	switch mode {
	case ModeTree, "":
		return snapshotNode(start, prefix), nil
	case ModeFlat:
		var flat []*NodeInfo
		collectHandlers(start, prefix, &flat)
		return flat, nil
	case ModeOpenAPI:
		var flat []*NodeInfo
		collectHandlers(start, prefix, &flat)
		return buildOpenAPI(APIInfo{Title: "API", Version: "0.0.0"}, flat), nil
	default:
		return nil, errkind.Newf(errkind.Validation, "bad_mode", "unknown introspection mode %q", mode)
	}
}

// OpenAPIDoc builds the OpenAPI document for the whole tree with the
// given header info.
func (r *Router) OpenAPIDoc(info APIInfo) *openapi3.T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var flat []*NodeInfo
	collectHandlers(r.root, nil, &flat)
	return buildOpenAPI(info, flat)
}

func snapshotNode(n *Node, path []string) *NodeInfo {
	info := &NodeInfo{
		Name:    n.name,
		Path:    "/" + strings.Join(path, "/"),
		Handler: n.handler != nil,
		Owner:   n.owner,
	}
	if len(n.meta) > 0 {
		info.Meta = make(map[string]any, len(n.meta))
		for k, v := range n.meta {
			info.Meta[k] = v
		}
	}
	if n.handler != nil {
		info.Sync = n.handler.Sync
		info.Args = n.handler.Args
	}
	for _, c := range n.Children() {
		info.Children = append(info.Children, snapshotNode(c, append(path[:len(path):len(path)], c.name)))
	}
	return info
}

func collectHandlers(n *Node, path []string, out *[]*NodeInfo) {
	if n.handler != nil {
		info := snapshotNode(n, path)
		info.Children = nil
		*out = append(*out, info)
	}
	for _, c := range n.Children() {
		collectHandlers(c, append(path[:len(path):len(path)], c.name), out)
	}
}

// buildOpenAPI emits a schema skeleton: one path item per handler node
// with parameters derived from the arg specs.
func buildOpenAPI(info APIInfo, flat []*NodeInfo) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       info.Title,
			Version:     info.Version,
			Description: info.Description,
		},
		Paths: openapi3.NewPaths(),
	}
	for _, s := range info.Servers {
		doc.AddServer(&openapi3.Server{URL: s})
	}

	for _, node := range flat {
		segs := splitPath(node.Path)
		oasSegs := make([]string, len(segs))
		pathParams := make(map[string]bool)
		for i, seg := range segs {
			if strings.HasPrefix(seg, ":") {
				name := seg[1:]
				oasSegs[i] = "{" + name + "}"
				pathParams[name] = true
				continue
			}
			oasSegs[i] = seg
		}
		oasPath := "/" + strings.Join(oasSegs, "/")

		op := &openapi3.Operation{
			OperationID: strings.Trim(strings.ReplaceAll(oasPath, "/", "_"), "_"),
			Responses:   openapi3.NewResponses(),
		}
		if desc, ok := node.Meta[MetaDescription].(string); ok {
			op.Summary = desc
		}

		for _, arg := range node.Args {
			schema := schemaForArg(arg.Type)
			var param *openapi3.Parameter
			if pathParams[arg.Name] {
				param = openapi3.NewPathParameter(arg.Name).WithSchema(schema)
			} else {
				param = openapi3.NewQueryParameter(arg.Name).WithSchema(schema)
				param.Required = arg.Required
			}
			op.Parameters = append(op.Parameters, &openapi3.ParameterRef{Value: param})
		}
		// Path params without an explicit spec still document as strings.
		for name := range pathParams {
			if !hasArg(node.Args, name) {
				p := openapi3.NewPathParameter(name).WithSchema(openapi3.NewStringSchema())
				op.Parameters = append(op.Parameters, &openapi3.ParameterRef{Value: p})
			}
		}

		item := &openapi3.PathItem{Get: op}
		doc.Paths.Set(oasPath, item)
	}
	return doc
}

func hasArg(args []ArgSpec, name string) bool {
	for _, a := range args {
		if a.Name == name {
			return true
		}
	}
	return false
}

func schemaForArg(t ArgType) *openapi3.Schema {
	switch t {
	case ArgInt:
		return openapi3.NewInt64Schema()
	case ArgFloat:
		return openapi3.NewFloat64Schema()
	case ArgBool:
		return openapi3.NewBoolSchema()
	case ArgDecimal:
		s := openapi3.NewStringSchema()
		s.Format = "decimal"
		return s
	default:
		return openapi3.NewStringSchema()
	}
}

// String renders a one-line description for logs.
func (i *NodeInfo) String() string {
	return fmt.Sprintf("%s (handler=%v)", i.Path, i.Handler)
}

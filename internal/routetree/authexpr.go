package routetree

import (
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// authProgram is a compiled auth_tags expression plus the identifiers
// it references, so the run env can preset every one of them.
type authProgram struct {
	source  string
	program *vm.Program
	idents  []string
}

var identPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// exprKeywords are names with meaning to the expression language that
// must not be treated as tag identifiers.
var exprKeywords = map[string]bool{
	"true": true, "false": true, "nil": true,
	"and": true, "or": true, "not": true, "in": true,
}

// compileAuthExpr compiles a tag expression. The configured grammar is
// identifiers with `&`, `|`, `!`, and parentheses; single `&`/`|` are
// widened to the engine's `&&`/`||` before compiling.
func compileAuthExpr(source string) (*authProgram, error) {
	normalized := widenOperators(source)

	idents := identPattern.FindAllString(normalized, -1)
	seen := make(map[string]bool, len(idents))
	uniq := idents[:0]
	for _, id := range idents {
		if exprKeywords[id] || seen[id] {
			continue
		}
		seen[id] = true
		uniq = append(uniq, id)
	}

	program, err := expr.Compile(normalized, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	return &authProgram{source: source, program: program, idents: uniq}, nil
}

// eval runs the expression against a tag set. Every referenced
// identifier is present in the env; absent tags evaluate to false.
func (p *authProgram) eval(tags []string) (bool, error) {
	have := make(map[string]bool, len(tags))
	for _, t := range tags {
		have[t] = true
	}
	env := make(map[string]any, len(p.idents))
	for _, id := range p.idents {
		env[id] = have[id]
	}
	out, err := expr.Run(p.program, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, nil
	}
	return b, nil
}

// widenOperators rewrites single & and | to && and ||, leaving already
// doubled operators alone.
func widenOperators(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '&' || c == '|' {
			b.WriteByte(c)
			b.WriteByte(c)
			if i+1 < len(s) && s[i+1] == c {
				i++
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

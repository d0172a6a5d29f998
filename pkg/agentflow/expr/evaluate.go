package expr

import "strings"

// Expr is a compiled condition. It is safe for concurrent use.
type Expr struct {
	src  string
	root node
}

// Compile parses src. An empty expression is an error.
func Compile(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &SyntaxError{Expr: src, Message: "empty expression"}
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
	return &Expr{src: src, root: root}, nil
}

// MustCompile is Compile that panics on error.
func MustCompile(src string) *Expr {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Eval reports whether the expression holds for vars.
func (e *Expr) Eval(vars map[string]any) bool {
	return IsTruthy(e.root.eval(vars))
}

// Eval compiles and evaluates src in one step.
func Eval(src string, vars map[string]any) (bool, error) {
	e, err := Compile(src)
	if err != nil {
		return false, err
	}
	return e.Eval(vars), nil
}

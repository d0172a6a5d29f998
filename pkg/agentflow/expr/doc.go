/*
Package expr evaluates the boolean conditions attached to graph edges.

# Syntax

	expr       := or
	or         := and { ("or" | "||") and }
	and        := unary { ("and" | "&&") unary }
	unary      := ("not" | "!") unary | comparison
	comparison := operand [ op operand ]
	op         := "==" | "!=" | "<" | "<=" | ">" | ">=" | "contains" | "in"
	operand    := string | number | true | false | null | path | list | "(" expr ")"
	list       := "[" [ operand { "," operand } ] "]"

A path is a dotted name such as output.score or memory.review.verdict; each
segment indexes into a nested map. Names that do not resolve evaluate to
null. A lone operand is tested for truthiness.

	ok, err := expr.Eval("success and output.score >= 0.8", vars)

Equality compares numbers numerically and everything else by its printed
form. Ordering operators compare numbers; on strings they compare
lexically. contains works on strings and lists; in is its mirror.

Parse once and evaluate many times with Compile:

	e, err := expr.Compile("output.route in ['fix', 'retry']")
	ok := e.Eval(vars)
*/
package expr

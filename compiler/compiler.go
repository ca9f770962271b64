// compiler is composed of a lexer and parser. These modules work in order to
// generate an AST (abstract syntax tree) from a SQL string. This AST is then
// passed to the planner.
package compiler

// Compile lexes and parses src into a statement list.
func Compile(src string) (StmtList, error) {
	l := NewLexer(src)
	tokens, err := l.Lex()
	if err != nil {
		return nil, err
	}
	p := NewParser(tokens)
	return p.Parse()
}

package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
)

// Rule identifies which check a violation came from.
type Rule string

const (
	RuleTooLarge      Rule = "too_large"
	RuleUnparseable   Rule = "unparseable"
	RuleImport        Rule = "import"
	RuleDynamicImport Rule = "dynamic_import"
	RuleBlockedCall   Rule = "blocked_call"
	RuleBlockedModule Rule = "blocked_module"
	RuleReservedName  Rule = "reserved_name"
	RuleBlockedName   Rule = "blocked_name"
	RuleBlockedMember Rule = "blocked_member"
	RuleWith          Rule = "with_statement"
)

// Violation is one policy breach found in the parse tree.
type Violation struct {
	Rule    Rule   `json:"rule"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Line > 0 {
		return fmt.Sprintf("line %d: %s", v.Line, v.Message)
	}
	return v.Message
}

// Verdict is the outcome of Validate. OK is true only when there are no violations.
type Verdict struct {
	OK         bool         `json:"ok"`
	Violations []Violation  `json:"violations,omitempty"`
	Program    *ast.Program `json:"-"`
}

// Reasons returns one human-readable line per violation.
func (v Verdict) Reasons() []string {
	out := make([]string, len(v.Violations))
	for i, viol := range v.Violations {
		out[i] = viol.String()
	}
	return out
}

// Rules returns the distinct rules that were violated, in first-seen order.
func (v Verdict) Rules() []Rule {
	seen := make(map[Rule]bool)
	var out []Rule
	for _, viol := range v.Violations {
		if !seen[viol.Rule] {
			seen[viol.Rule] = true
			out = append(out, viol.Rule)
		}
	}
	return out
}

// Validate parses code and walks every node, collecting all violations. The
// code is never evaluated. On success the parsed program is returned in the
// verdict so callers can compile it without parsing twice.
func Validate(code string, p *Policy) Verdict {
	if max := p.MaxCodeBytes(); max > 0 && len(code) > max {
		return reject(Violation{Rule: RuleTooLarge, Message: fmt.Sprintf("code is %d bytes, limit is %d", len(code), max)})
	}

	prog, err := parser.ParseFile(nil, "", code, 0, parser.WithDisableSourceMaps)
	if err != nil {
		return reject(parseViolation(err))
	}

	w := &walker{pol: p, file: prog.File, seen: make(map[string]bool)}
	for _, s := range prog.Body {
		w.stmt(s)
	}
	if len(w.violations) > 0 {
		return Verdict{Violations: w.violations}
	}
	return Verdict{OK: true, Program: prog}
}

func reject(v Violation) Verdict {
	return Verdict{Violations: []Violation{v}}
}

func parseViolation(err error) Violation {
	var list parser.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		first := list[0]
		return Violation{
			Rule:    RuleUnparseable,
			Line:    first.Position.Line,
			Column:  first.Position.Column,
			Message: "unparseable: " + first.Message,
		}
	}
	return Violation{Rule: RuleUnparseable, Message: "unparseable: " + err.Error()}
}

type walker struct {
	pol        *Policy
	file       *file.File
	violations []Violation
	seen       map[string]bool
}

func (w *walker) add(rule Rule, idx file.Idx, format string, args ...any) {
	var pos file.Position
	if w.file != nil {
		pos = w.file.Position(int(idx) - w.file.Base())
	}
	msg := fmt.Sprintf(format, args...)
	key := fmt.Sprintf("%s|%d|%s", rule, pos.Line, msg)
	if w.seen[key] {
		return
	}
	w.seen[key] = true
	w.violations = append(w.violations, Violation{Rule: rule, Line: pos.Line, Column: pos.Column, Message: msg})
}

func (w *walker) stmts(list []ast.Statement) {
	for _, s := range list {
		w.stmt(s)
	}
}

func (w *walker) stmt(s ast.Statement) {
	switch n := s.(type) {
	case nil:
	case *ast.BlockStatement:
		w.block(n)
	case *ast.ExpressionStatement:
		w.expr(n.Expression)
	case *ast.IfStatement:
		w.expr(n.Test)
		w.stmt(n.Consequent)
		w.stmt(n.Alternate)
	case *ast.ForStatement:
		w.forInit(n.Initializer)
		w.expr(n.Test)
		w.expr(n.Update)
		w.stmt(n.Body)
	case *ast.ForInStatement:
		w.forInto(n.Into)
		w.expr(n.Source)
		w.stmt(n.Body)
	case *ast.ForOfStatement:
		w.forInto(n.Into)
		w.expr(n.Source)
		w.stmt(n.Body)
	case *ast.WhileStatement:
		w.expr(n.Test)
		w.stmt(n.Body)
	case *ast.DoWhileStatement:
		w.stmt(n.Body)
		w.expr(n.Test)
	case *ast.ReturnStatement:
		w.expr(n.Argument)
	case *ast.ThrowStatement:
		w.expr(n.Argument)
	case *ast.TryStatement:
		w.block(n.Body)
		if n.Catch != nil {
			w.expr(n.Catch.Parameter)
			w.block(n.Catch.Body)
		}
		w.block(n.Finally)
	case *ast.SwitchStatement:
		w.expr(n.Discriminant)
		for _, c := range n.Body {
			w.expr(c.Test)
			w.stmts(c.Consequent)
		}
	case *ast.VariableStatement:
		w.bindings(n.List)
	case *ast.LexicalDeclaration:
		w.bindings(n.List)
	case *ast.FunctionDeclaration:
		w.function(n.Function)
	case *ast.ClassDeclaration:
		w.class(n.Class)
	case *ast.LabelledStatement:
		w.stmt(n.Statement)
	case *ast.WithStatement:
		w.add(RuleWith, n.With, "with statements are not allowed")
		w.expr(n.Object)
		w.stmt(n.Body)
	}
}

func (w *walker) block(b *ast.BlockStatement) {
	if b != nil {
		w.stmts(b.List)
	}
}

func (w *walker) forInit(init ast.ForLoopInitializer) {
	switch n := init.(type) {
	case *ast.ForLoopInitializerExpression:
		w.expr(n.Expression)
	case *ast.ForLoopInitializerVarDeclList:
		w.bindings(n.List)
	case *ast.ForLoopInitializerLexicalDecl:
		w.bindings(n.LexicalDeclaration.List)
	}
}

func (w *walker) forInto(into ast.ForInto) {
	switch n := into.(type) {
	case *ast.ForIntoVar:
		w.binding(n.Binding)
	case *ast.ForDeclaration:
		w.expr(n.Target)
	case *ast.ForIntoExpression:
		w.expr(n.Expression)
	}
}

func (w *walker) bindings(list []*ast.Binding) {
	for _, b := range list {
		w.binding(b)
	}
}

func (w *walker) binding(b *ast.Binding) {
	if b == nil {
		return
	}
	w.expr(b.Target)
	w.expr(b.Initializer)
}

func (w *walker) params(pl *ast.ParameterList) {
	if pl == nil {
		return
	}
	w.bindings(pl.List)
	w.expr(pl.Rest)
}

func (w *walker) function(f *ast.FunctionLiteral) {
	if f == nil {
		return
	}
	if f.Name != nil {
		w.ident(f.Name)
	}
	w.params(f.ParameterList)
	w.block(f.Body)
}

func (w *walker) class(c *ast.ClassLiteral) {
	if c == nil {
		return
	}
	if c.Name != nil {
		w.ident(c.Name)
	}
	w.expr(c.SuperClass)
	for _, el := range c.Body {
		switch n := el.(type) {
		case *ast.FieldDefinition:
			w.classKey(n.Key, n.Computed)
			w.expr(n.Initializer)
		case *ast.MethodDefinition:
			w.classKey(n.Key, n.Computed)
			w.function(n.Body)
		case *ast.ClassStaticBlock:
			w.block(n.Block)
		}
	}
}

// classKey checks declared member names. Declaring a "constructor" method is
// ordinary class syntax, so only reserved names are rejected here.
func (w *walker) classKey(key ast.Expression, computed bool) {
	if computed {
		w.expr(key)
		return
	}
	if s, ok := key.(*ast.StringLiteral); ok && IsReserved(s.Value.String()) {
		w.add(RuleReservedName, s.Idx, "reserved name %q", s.Value.String())
	}
}

func (w *walker) exprs(list []ast.Expression) {
	for _, e := range list {
		w.expr(e)
	}
}

func (w *walker) expr(e ast.Expression) {
	switch n := e.(type) {
	case nil:
	case *ast.Identifier:
		w.ident(n)
	case *ast.CallExpression:
		w.call(n)
	case *ast.NewExpression:
		w.calleeName(n.Callee)
		w.exprs(n.ArgumentList)
	case *ast.DotExpression:
		w.member(n.Identifier.Name.String(), n.Identifier.Idx)
		w.moduleRoot(n)
		w.expr(n.Left)
	case *ast.PrivateDotExpression:
		w.expr(n.Left)
	case *ast.BracketExpression:
		if name, ok := literalName(n.Member); ok {
			w.member(name, n.Member.Idx0())
		}
		w.moduleRoot(n)
		w.expr(n.Left)
		w.expr(n.Member)
	case *ast.AssignExpression:
		w.expr(n.Left)
		w.expr(n.Right)
	case *ast.BinaryExpression:
		w.expr(n.Left)
		w.expr(n.Right)
	case *ast.UnaryExpression:
		w.expr(n.Operand)
	case *ast.ConditionalExpression:
		w.expr(n.Test)
		w.expr(n.Consequent)
		w.expr(n.Alternate)
	case *ast.SequenceExpression:
		w.exprs(n.Sequence)
	case *ast.ArrayLiteral:
		w.exprs(n.Value)
	case *ast.ArrayPattern:
		w.exprs(n.Elements)
		w.expr(n.Rest)
	case *ast.ObjectLiteral:
		w.properties(n.Value)
	case *ast.ObjectPattern:
		w.properties(n.Properties)
		w.expr(n.Rest)
	case *ast.SpreadElement:
		w.expr(n.Expression)
	case *ast.Binding:
		w.binding(n)
	case *ast.FunctionLiteral:
		w.function(n)
	case *ast.ArrowFunctionLiteral:
		w.params(n.ParameterList)
		switch body := n.Body.(type) {
		case *ast.BlockStatement:
			w.block(body)
		case *ast.ExpressionBody:
			w.expr(body.Expression)
		}
	case *ast.ClassLiteral:
		w.class(n)
	case *ast.TemplateLiteral:
		w.expr(n.Tag)
		w.exprs(n.Expressions)
	case *ast.OptionalChain:
		w.expr(n.Expression)
	case *ast.Optional:
		w.expr(n.Expression)
	case *ast.YieldExpression:
		w.expr(n.Argument)
	case *ast.AwaitExpression:
		w.expr(n.Argument)
	}
}

func (w *walker) properties(props []ast.Property) {
	for _, p := range props {
		switch n := p.(type) {
		case *ast.PropertyShort:
			w.ident(&n.Name)
			w.expr(n.Initializer)
		case *ast.PropertyKeyed:
			if n.Computed {
				w.expr(n.Key)
			} else if name, ok := literalName(n.Key); ok {
				w.member(name, n.Key.Idx0())
			}
			w.expr(n.Value)
		case *ast.SpreadElement:
			w.expr(n.Expression)
		}
	}
}

func (w *walker) ident(id *ast.Identifier) {
	name := id.Name.String()
	switch {
	case IsReserved(name):
		w.add(RuleReservedName, id.Idx, "reserved name %q", name)
	case name == ImportFunc:
		w.add(RuleDynamicImport, id.Idx, "%s may only be called directly with a string literal", ImportFunc)
	case w.pol.IsBlockedName(name):
		w.add(RuleBlockedName, id.Idx, "use of %q is not allowed", name)
	}
}

func (w *walker) member(name string, idx file.Idx) {
	switch {
	case IsReserved(name):
		w.add(RuleReservedName, idx, "reserved name %q", name)
	case w.pol.IsBlockedMember(name):
		w.add(RuleBlockedMember, idx, "access to member %q is not allowed", name)
	}
}

func (w *walker) call(n *ast.CallExpression) {
	if id, ok := n.Callee.(*ast.Identifier); ok && id.Name.String() == ImportFunc {
		w.importCall(n)
		w.exprs(n.ArgumentList)
		return
	}
	w.calleeName(n.Callee)
	w.moduleRoot(n)
	w.exprs(n.ArgumentList)
}

// calleeName checks a bare-name callee against the blocked calls before
// walking it, so a blocked call is reported once rather than also as a name.
func (w *walker) calleeName(callee ast.Expression) {
	if id, ok := callee.(*ast.Identifier); ok && w.pol.IsBlockedCall(id.Name.String()) {
		w.add(RuleBlockedCall, id.Idx, "call to %q is not allowed", id.Name.String())
		return
	}
	w.expr(callee)
}

func (w *walker) importCall(n *ast.CallExpression) {
	if len(n.ArgumentList) != 1 {
		w.add(RuleDynamicImport, n.Idx0(), "%s takes exactly one string literal", ImportFunc)
		return
	}
	name, ok := literalName(n.ArgumentList[0])
	if !ok {
		w.add(RuleDynamicImport, n.Idx0(), "%s with a computed module name is not allowed", ImportFunc)
		return
	}
	switch {
	case !w.pol.ImportsAllowed():
		w.add(RuleImport, n.Idx0(), "import of module %q is not allowed: imports are disabled", name)
	case !w.pol.AllowsModule(name):
		w.add(RuleImport, n.Idx0(), "import of module %q is not in the allowlist", name)
	}
}

// moduleRoot reports call and member chains that bottom out at a blocked module,
// whether named directly (os.a.b()) or through an import (require('os').a).
func (w *walker) moduleRoot(e ast.Expression) {
	if name, idx, ok := rootModule(e); ok && w.pol.IsBlockedModule(name) {
		w.add(RuleBlockedModule, idx, "access to blocked module %q", name)
	}
}

func rootModule(e ast.Expression) (string, file.Idx, bool) {
	for {
		switch n := e.(type) {
		case *ast.Identifier:
			return n.Name.String(), n.Idx, true
		case *ast.DotExpression:
			e = n.Left
		case *ast.BracketExpression:
			e = n.Left
		case *ast.PrivateDotExpression:
			e = n.Left
		case *ast.OptionalChain:
			e = n.Expression
		case *ast.Optional:
			e = n.Expression
		case *ast.CallExpression:
			if id, ok := n.Callee.(*ast.Identifier); ok && id.Name.String() == ImportFunc && len(n.ArgumentList) == 1 {
				if name, ok := literalName(n.ArgumentList[0]); ok {
					return name, n.Idx0(), true
				}
			}
			e = n.Callee
		default:
			return "", 0, false
		}
	}
}

// literalName returns the static text of a string literal or an
// interpolation-free template literal.
func literalName(e ast.Expression) (string, bool) {
	switch n := e.(type) {
	case *ast.StringLiteral:
		return n.Value.String(), true
	case *ast.TemplateLiteral:
		if n.Tag == nil && len(n.Expressions) == 0 && len(n.Elements) == 1 {
			return n.Elements[0].Parsed.String(), true
		}
	}
	return "", false
}

// Summary joins reasons for log lines and error messages.
func Summary(v Verdict) string {
	return strings.Join(v.Reasons(), "; ")
}

package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotSupported is returned for statements the parser does not model
// (triggers, virtual tables, ...).
var ErrNotSupported = errors.New("unsupported statement")

type parser struct {
	toks []token
	pos  int
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) acceptKeyword(kw string) bool {
	if p.cur().keywordIs(kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if !p.acceptKeyword(kw) {
		return fmt.Errorf("expected %s, got %q", kw, p.cur().raw)
	}
	return nil
}

func (p *parser) expectKind(kind tokenKind, what string) (token, error) {
	if p.cur().kind != kind {
		return token{}, fmt.Errorf("expected %s, got %q", what, p.cur().raw)
	}
	return p.next(), nil
}

// acceptIdent consumes any identifier token (bare or quoted).
func (p *parser) acceptIdent() (string, bool) {
	if p.cur().kind == tokIdent {
		return p.next().text, true
	}
	return "", false
}

// ParseStatement parses one CREATE TABLE / CREATE VIEW / CREATE INDEX
// statement and returns a *Table, *View or *Index.
func ParseStatement(ddl string) (any, error) {
	toks, err := lexSQL(ddl)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}

	if err := p.expectKeyword("CREATE"); err != nil {
		return nil, err
	}

	// TEMP objects are connection-local and never exposed through APIs.
	if p.cur().keywordIs("TEMP") || p.cur().keywordIs("TEMPORARY") {
		return nil, ErrNotSupported
	}

	unique := p.acceptKeyword("UNIQUE")

	switch {
	case p.acceptKeyword("TABLE"):
		return p.parseCreateTable(ddl)
	case p.acceptKeyword("VIEW"):
		return p.parseCreateView(ddl)
	case p.acceptKeyword("INDEX"):
		return p.parseCreateIndex(ddl, unique)
	default:
		return nil, ErrNotSupported
	}
}

func (p *parser) parseIfNotExists() {
	if p.acceptKeyword("IF") {
		p.acceptKeyword("NOT")
		p.acceptKeyword("EXISTS")
	}
}

func (p *parser) parseQualifiedName() (QualifiedName, error) {
	first, ok := p.acceptIdent()
	if !ok {
		return QualifiedName{}, fmt.Errorf("expected name, got %q", p.cur().raw)
	}
	if p.cur().kind == tokDot {
		p.next()
		second, ok := p.acceptIdent()
		if !ok {
			return QualifiedName{}, fmt.Errorf("expected name after %q.", first)
		}
		return QualifiedName{Schema: first, Name: second}, nil
	}
	return QualifiedName{Name: first}, nil
}

func (p *parser) parseCreateTable(ddl string) (*Table, error) {
	p.parseIfNotExists()

	name, err := p.parseQualifiedName()
	if err != nil {
		return nil, err
	}

	if p.cur().keywordIs("AS") {
		// CREATE TABLE ... AS SELECT carries no column fidelity.
		return nil, ErrNotSupported
	}

	if _, err := p.expectKind(tokLParen, "("); err != nil {
		return nil, err
	}

	t := &Table{Name: name, SQL: ddl}

	for {
		if isConstraintStart(p.cur()) {
			tc, err := p.parseTableConstraint()
			if err != nil {
				return nil, err
			}
			t.Constraints = append(t.Constraints, *tc)
		} else {
			col, err := p.parseColumnDef()
			if err != nil {
				return nil, err
			}
			t.Columns = append(t.Columns, *col)
		}

		if p.cur().kind == tokComma {
			p.next()
			continue
		}
		if _, err := p.expectKind(tokRParen, ")"); err != nil {
			return nil, err
		}
		break
	}

	// Table options: STRICT and/or WITHOUT ROWID, comma separated.
	for {
		switch {
		case p.acceptKeyword("STRICT"):
			t.Strict = true
		case p.acceptKeyword("WITHOUT"):
			if err := p.expectKeyword("ROWID"); err != nil {
				return nil, err
			}
			t.WithoutRowid = true
		case p.cur().kind == tokComma:
			p.next()
		default:
			return t, nil
		}
	}
}

func isConstraintStart(t token) bool {
	for _, kw := range []string{"CONSTRAINT", "PRIMARY", "UNIQUE", "CHECK", "FOREIGN"} {
		if t.keywordIs(kw) {
			return true
		}
	}
	return false
}

// typeNameKeywordStop lists keywords that terminate a multi-word type name.
var typeNameKeywordStop = map[string]bool{
	"PRIMARY": true, "NOT": true, "NULL": true, "UNIQUE": true, "CHECK": true,
	"DEFAULT": true, "COLLATE": true, "REFERENCES": true, "GENERATED": true,
	"AS": true, "CONSTRAINT": true,
}

func (p *parser) parseColumnDef() (*Column, error) {
	name, ok := p.acceptIdent()
	if !ok {
		return nil, fmt.Errorf("expected column name, got %q", p.cur().raw)
	}
	col := &Column{Name: name}

	// Type name: zero or more identifiers, optionally followed by a
	// parenthesized precision, re-rendered from its tokens and appended
	// after a space.
	var typeParts []string
	for p.cur().kind == tokIdent && !typeNameKeywordStop[strings.ToUpper(p.cur().text)] {
		typeParts = append(typeParts, p.next().raw)
	}
	if len(typeParts) > 0 && p.cur().kind == tokLParen {
		depth := 0
		var inner []token
		for {
			t := p.next()
			if t.kind == tokLParen {
				depth++
			}
			if t.kind == tokRParen {
				depth--
			}
			inner = append(inner, t)
			if depth == 0 {
				break
			}
		}
		typeParts = append(typeParts, renderTokens(inner))
	}
	col.TypeName = strings.Join(typeParts, " ")

	for {
		done, err := p.parseColumnConstraint(col)
		if err != nil {
			return nil, err
		}
		if done {
			return col, nil
		}
	}
}

// parseColumnConstraint consumes one column constraint. Returns done=true
// when the column definition has ended.
func (p *parser) parseColumnConstraint(col *Column) (bool, error) {
	if p.acceptKeyword("CONSTRAINT") {
		if _, ok := p.acceptIdent(); !ok {
			return false, fmt.Errorf("expected constraint name")
		}
	}

	switch {
	case p.acceptKeyword("PRIMARY"):
		if err := p.expectKeyword("KEY"); err != nil {
			return false, err
		}
		col.PrimaryKey = true
		if p.acceptKeyword("ASC") {
		} else if p.acceptKeyword("DESC") {
			col.PKDescending = true
		}
		col.PKConflict = p.parseConflictClause()
		col.Autoincrement = p.acceptKeyword("AUTOINCREMENT")
	case p.acceptKeyword("NOT"):
		if err := p.expectKeyword("NULL"); err != nil {
			return false, err
		}
		col.NotNull = true
		col.NotNullConflict = p.parseConflictClause()
	case p.acceptKeyword("NULL"):
		// Explicit NULL is the default; nothing to record.
	case p.acceptKeyword("UNIQUE"):
		col.Unique = true
		col.UniqueConflict = p.parseConflictClause()
	case p.acceptKeyword("CHECK"):
		expr, err := p.parseParenExpr()
		if err != nil {
			return false, err
		}
		col.Checks = append(col.Checks, expr)
	case p.acceptKeyword("DEFAULT"):
		expr, err := p.parseDefaultValue()
		if err != nil {
			return false, err
		}
		col.DefaultExpr = expr
	case p.acceptKeyword("COLLATE"):
		name, ok := p.acceptIdent()
		if !ok {
			return false, fmt.Errorf("expected collation name")
		}
		col.Collate = name
	case p.acceptKeyword("REFERENCES"):
		ref, err := p.parseForeignKeyRef()
		if err != nil {
			return false, err
		}
		col.References = ref
	case p.acceptKeyword("GENERATED"):
		if err := p.expectKeyword("ALWAYS"); err != nil {
			return false, err
		}
		if err := p.expectKeyword("AS"); err != nil {
			return false, err
		}
		if err := p.parseGenerated(col); err != nil {
			return false, err
		}
	case p.acceptKeyword("AS"):
		if err := p.parseGenerated(col); err != nil {
			return false, err
		}
	default:
		return true, nil
	}
	return false, nil
}

func (p *parser) parseGenerated(col *Column) error {
	expr, err := p.parseParenExpr()
	if err != nil {
		return err
	}
	col.GeneratedExpr = expr.SQL
	col.Generated = GeneratedVirtual
	if p.acceptKeyword("STORED") {
		col.Generated = GeneratedStored
	} else {
		p.acceptKeyword("VIRTUAL")
	}
	return nil
}

func (p *parser) parseConflictClause() ConflictClause {
	if !p.cur().keywordIs("ON") {
		return ConflictNone
	}
	save := p.pos
	p.next()
	if !p.acceptKeyword("CONFLICT") {
		p.pos = save
		return ConflictNone
	}
	switch {
	case p.acceptKeyword("ROLLBACK"):
		return ConflictRollback
	case p.acceptKeyword("ABORT"):
		return ConflictAbort
	case p.acceptKeyword("FAIL"):
		return ConflictFail
	case p.acceptKeyword("IGNORE"):
		return ConflictIgnore
	case p.acceptKeyword("REPLACE"):
		return ConflictReplace
	default:
		return ConflictNone
	}
}

// parseParenExpr consumes a balanced parenthesized expression and returns
// its inner text plus tokens.
func (p *parser) parseParenExpr() (CheckExpr, error) {
	if _, err := p.expectKind(tokLParen, "("); err != nil {
		return CheckExpr{}, err
	}
	depth := 1
	var inner []token
	for {
		t := p.next()
		switch t.kind {
		case tokEOF:
			return CheckExpr{}, fmt.Errorf("unbalanced parentheses in expression")
		case tokLParen:
			depth++
		case tokRParen:
			depth--
			if depth == 0 {
				return CheckExpr{SQL: renderTokens(inner), tokens: inner}, nil
			}
		}
		inner = append(inner, t)
	}
}

// parseDefaultValue parses a DEFAULT clause: a literal, a signed number,
// a bare keyword like CURRENT_TIMESTAMP, or a parenthesized expression.
func (p *parser) parseDefaultValue() (string, error) {
	t := p.cur()
	switch {
	case t.kind == tokLParen:
		expr, err := p.parseParenExpr()
		if err != nil {
			return "", err
		}
		return "(" + expr.SQL + ")", nil
	case t.kind == tokString, t.kind == tokNumber, t.kind == tokBlobLit:
		p.next()
		return t.raw, nil
	case t.kind == tokOperator && (t.text == "-" || t.text == "+"):
		p.next()
		num, err := p.expectKind(tokNumber, "number")
		if err != nil {
			return "", err
		}
		return t.text + num.raw, nil
	case t.kind == tokIdent:
		p.next()
		return t.raw, nil
	default:
		return "", fmt.Errorf("unexpected DEFAULT value %q", t.raw)
	}
}

func (p *parser) parseForeignKeyRef() (*ForeignKeyRef, error) {
	table, ok := p.acceptIdent()
	if !ok {
		return nil, fmt.Errorf("expected referenced table name")
	}
	ref := &ForeignKeyRef{Table: table}

	if p.cur().kind == tokLParen {
		p.next()
		for {
			col, ok := p.acceptIdent()
			if !ok {
				return nil, fmt.Errorf("expected referenced column name")
			}
			ref.Columns = append(ref.Columns, col)
			if p.cur().kind == tokComma {
				p.next()
				continue
			}
			if _, err := p.expectKind(tokRParen, ")"); err != nil {
				return nil, err
			}
			break
		}
	}

	for {
		switch {
		case p.acceptKeyword("ON"):
			var isDelete bool
			switch {
			case p.acceptKeyword("DELETE"):
				isDelete = true
			case p.acceptKeyword("UPDATE"):
			default:
				return nil, fmt.Errorf("expected DELETE or UPDATE after ON")
			}
			action, err := p.parseReferentialAction()
			if err != nil {
				return nil, err
			}
			if isDelete {
				ref.OnDelete = action
			} else {
				ref.OnUpdate = action
			}
		case p.acceptKeyword("MATCH"):
			if _, ok := p.acceptIdent(); !ok {
				return nil, fmt.Errorf("expected MATCH type")
			}
		case p.acceptKeyword("DEFERRABLE"):
			p.parseDeferrableTail()
		case p.acceptKeyword("NOT"):
			if err := p.expectKeyword("DEFERRABLE"); err != nil {
				return nil, err
			}
			p.parseDeferrableTail()
		default:
			return ref, nil
		}
	}
}

func (p *parser) parseDeferrableTail() {
	if p.acceptKeyword("INITIALLY") {
		if !p.acceptKeyword("DEFERRED") {
			p.acceptKeyword("IMMEDIATE")
		}
	}
}

func (p *parser) parseReferentialAction() (ReferentialAction, error) {
	switch {
	case p.acceptKeyword("CASCADE"):
		return ActionCascade, nil
	case p.acceptKeyword("RESTRICT"):
		return ActionRestrict, nil
	case p.acceptKeyword("SET"):
		switch {
		case p.acceptKeyword("NULL"):
			return ActionSetNull, nil
		case p.acceptKeyword("DEFAULT"):
			return ActionSetDefault, nil
		}
		return ActionNoAction, fmt.Errorf("expected NULL or DEFAULT after SET")
	case p.acceptKeyword("NO"):
		if err := p.expectKeyword("ACTION"); err != nil {
			return ActionNoAction, err
		}
		return ActionNoAction, nil
	default:
		return ActionNoAction, fmt.Errorf("unexpected referential action %q", p.cur().raw)
	}
}

func (p *parser) parseTableConstraint() (*TableConstraint, error) {
	tc := &TableConstraint{}
	if p.acceptKeyword("CONSTRAINT") {
		name, ok := p.acceptIdent()
		if !ok {
			return nil, fmt.Errorf("expected constraint name")
		}
		tc.Name = name
	}

	parseColumnList := func() ([]string, error) {
		if _, err := p.expectKind(tokLParen, "("); err != nil {
			return nil, err
		}
		var cols []string
		for {
			col, ok := p.acceptIdent()
			if !ok {
				return nil, fmt.Errorf("expected column name, got %q", p.cur().raw)
			}
			// Indexed-column sort order is irrelevant to the model.
			p.acceptKeyword("ASC")
			p.acceptKeyword("DESC")
			cols = append(cols, col)
			if p.cur().kind == tokComma {
				p.next()
				continue
			}
			if _, err := p.expectKind(tokRParen, ")"); err != nil {
				return nil, err
			}
			return cols, nil
		}
	}

	switch {
	case p.acceptKeyword("PRIMARY"):
		if err := p.expectKeyword("KEY"); err != nil {
			return nil, err
		}
		tc.Kind = ConstraintPrimaryKey
		cols, err := parseColumnList()
		if err != nil {
			return nil, err
		}
		tc.Columns = cols
		tc.Conflict = p.parseConflictClause()
	case p.acceptKeyword("UNIQUE"):
		tc.Kind = ConstraintUnique
		cols, err := parseColumnList()
		if err != nil {
			return nil, err
		}
		tc.Columns = cols
		tc.Conflict = p.parseConflictClause()
	case p.acceptKeyword("CHECK"):
		tc.Kind = ConstraintCheck
		expr, err := p.parseParenExpr()
		if err != nil {
			return nil, err
		}
		tc.Check = expr
	case p.acceptKeyword("FOREIGN"):
		if err := p.expectKeyword("KEY"); err != nil {
			return nil, err
		}
		tc.Kind = ConstraintForeignKey
		cols, err := parseColumnList()
		if err != nil {
			return nil, err
		}
		tc.Columns = cols
		if err := p.expectKeyword("REFERENCES"); err != nil {
			return nil, err
		}
		ref, err := p.parseForeignKeyRef()
		if err != nil {
			return nil, err
		}
		tc.Ref = ref
	default:
		return nil, fmt.Errorf("unexpected table constraint %q", p.cur().raw)
	}
	return tc, nil
}

func (p *parser) parseCreateView(ddl string) (*View, error) {
	p.parseIfNotExists()

	name, err := p.parseQualifiedName()
	if err != nil {
		return nil, err
	}
	v := &View{Name: name, SQL: ddl}

	if p.cur().kind == tokLParen {
		p.next()
		for {
			col, ok := p.acceptIdent()
			if !ok {
				return nil, fmt.Errorf("expected view column name")
			}
			v.ColumnNames = append(v.ColumnNames, col)
			if p.cur().kind == tokComma {
				p.next()
				continue
			}
			if _, err := p.expectKind(tokRParen, ")"); err != nil {
				return nil, err
			}
			break
		}
	}

	if err := p.expectKeyword("AS"); err != nil {
		return nil, err
	}

	// The rest of the statement is the defining SELECT; keep its raw text
	// for the column-mapping pass.
	var rest []token
	for p.cur().kind != tokEOF && p.cur().kind != tokSemicolon {
		rest = append(rest, p.next())
	}
	if len(rest) == 0 {
		return nil, fmt.Errorf("empty view definition")
	}
	v.SelectSQL = renderTokens(rest)
	return v, nil
}

func (p *parser) parseCreateIndex(ddl string, unique bool) (*Index, error) {
	p.parseIfNotExists()

	name, err := p.parseQualifiedName()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("ON"); err != nil {
		return nil, err
	}
	table, ok := p.acceptIdent()
	if !ok {
		return nil, fmt.Errorf("expected indexed table name")
	}

	ix := &Index{Name: name, Table: table, Unique: unique, SQL: ddl}

	if _, err := p.expectKind(tokLParen, "("); err != nil {
		return nil, err
	}
	depth := 1
	var current []token
	flush := func() {
		if len(current) == 1 && current[0].kind == tokIdent {
			ix.Columns = append(ix.Columns, current[0].text)
		} else if len(current) > 0 {
			// Expression index; keep the rendered expression.
			ix.Columns = append(ix.Columns, renderTokens(current))
		}
		current = nil
	}
	for depth > 0 {
		t := p.next()
		switch t.kind {
		case tokEOF:
			return nil, fmt.Errorf("unbalanced parentheses in index")
		case tokLParen:
			depth++
			current = append(current, t)
		case tokRParen:
			depth--
			if depth == 0 {
				flush()
			} else {
				current = append(current, t)
			}
		case tokComma:
			if depth == 1 {
				flush()
			} else {
				current = append(current, t)
			}
		case tokIdent:
			// Trailing ASC/DESC decorations are dropped; a COLLATE
			// clause is kept, making the entry an expression.
			if t.keywordIs("ASC") || t.keywordIs("DESC") {
				continue
			}
			current = append(current, t)
		default:
			current = append(current, t)
		}
	}

	if p.acceptKeyword("WHERE") {
		ix.Partial = true
	}
	return ix, nil
}

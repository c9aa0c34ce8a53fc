package market

import (
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/golemfactory/yagna/internal/protocol"
)

// Constraint expressions use the LDAP-filter syntax of the market protocol:
//
//	(&(golem.com.pricing.model=linear)(golem.runtime.name=wasmtime))
//	(|(golem.inf.mem.gib>0.5)(golem.inf.storage.gib>=1))
//	(!(golem.node.debug.subnet=devnet))
//	(golem.srv.caps.multi-activity=*)        presence test
//	()                                       matches everything
//
// Comparison is numeric when both sides parse as numbers, lexicographic
// otherwise. A leaf referencing an absent property never matches (and its
// negation does).

type exprOp int

const (
	opEmpty exprOp = iota
	opAnd
	opOr
	opNot
	opEqual
	opLess
	opLessEqual
	opGreater
	opGreaterEqual
	opPresent
)

// Expr is a parsed constraint expression node.
type Expr struct {
	op       exprOp
	children []*Expr
	key      string
	value    string
}

// ParseConstraints parses a constraint filter string into an expression
// tree. An empty or all-whitespace string parses as the match-all filter.
func ParseConstraints(s string) (*Expr, error) {
	p := &constraintParser{input: s}
	p.skipSpace()
	if p.pos >= len(p.input) {
		return &Expr{op: opEmpty}, nil
	}
	expr, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, protocol.Errorf(protocol.CodeValidation, "constraint: trailing input at offset %d", p.pos)
	}
	return expr, nil
}

// MatchProps resolves the expression against a property bag.
func (e *Expr) MatchProps(props Props) bool {
	return e.Match(props.Flatten())
}

// Match resolves the expression against a flat property map.
// Keys are compared in NFC-canonical form.
func (e *Expr) Match(flat map[string]string) bool {
	switch e.op {
	case opEmpty:
		return true
	case opAnd:
		for _, c := range e.children {
			if !c.Match(flat) {
				return false
			}
		}
		return true
	case opOr:
		for _, c := range e.children {
			if c.Match(flat) {
				return true
			}
		}
		return false
	case opNot:
		return !e.children[0].Match(flat)
	case opPresent:
		_, ok := flat[e.key]
		return ok
	default:
		actual, ok := flat[e.key]
		if !ok {
			return false
		}
		return compareValues(actual, e.value, e.op)
	}
}

// compareValues compares numerically when both operands parse as floats,
// lexicographically otherwise.
func compareValues(actual, expected string, op exprOp) bool {
	af, aerr := strconv.ParseFloat(actual, 64)
	ef, eerr := strconv.ParseFloat(expected, 64)
	if aerr == nil && eerr == nil {
		switch op {
		case opEqual:
			return af == ef
		case opLess:
			return af < ef
		case opLessEqual:
			return af <= ef
		case opGreater:
			return af > ef
		case opGreaterEqual:
			return af >= ef
		}
	}
	switch op {
	case opEqual:
		return actual == expected
	case opLess:
		return actual < expected
	case opLessEqual:
		return actual <= expected
	case opGreater:
		return actual > expected
	case opGreaterEqual:
		return actual >= expected
	}
	return false
}

type constraintParser struct {
	input string
	pos   int
}

func (p *constraintParser) skipSpace() {
	for p.pos < len(p.input) {
		switch p.input[p.pos] {
		case ' ', '\t', '\n', '\r', '\\':
			// Backslash-newline continuations appear in constraint strings
			// built from multi-line literals; treat the backslash as space.
			p.pos++
		default:
			return
		}
	}
}

func (p *constraintParser) parseFilter() (*Expr, error) {
	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != '(' {
		return nil, protocol.Errorf(protocol.CodeValidation, "constraint: expected '(' at offset %d", p.pos)
	}
	p.pos++ // consume '('
	p.skipSpace()

	if p.pos >= len(p.input) {
		return nil, protocol.Errorf(protocol.CodeValidation, "constraint: unterminated filter")
	}

	var expr *Expr
	var err error
	switch p.input[p.pos] {
	case ')':
		p.pos++
		return &Expr{op: opEmpty}, nil
	case '&':
		p.pos++
		expr, err = p.parseList(opAnd)
	case '|':
		p.pos++
		expr, err = p.parseList(opOr)
	case '!':
		p.pos++
		inner, ierr := p.parseFilter()
		if ierr != nil {
			return nil, ierr
		}
		expr = &Expr{op: opNot, children: []*Expr{inner}}
	default:
		expr, err = p.parseLeaf()
	}
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != ')' {
		return nil, protocol.Errorf(protocol.CodeValidation, "constraint: expected ')' at offset %d", p.pos)
	}
	p.pos++ // consume ')'
	return expr, nil
}

func (p *constraintParser) parseList(op exprOp) (*Expr, error) {
	var children []*Expr
	for {
		p.skipSpace()
		if p.pos < len(p.input) && p.input[p.pos] == '(' {
			child, err := p.parseFilter()
			if err != nil {
				return nil, err
			}
			children = append(children, child)
			continue
		}
		break
	}
	if len(children) == 0 {
		return nil, protocol.Errorf(protocol.CodeValidation, "constraint: empty boolean list at offset %d", p.pos)
	}
	return &Expr{op: op, children: children}, nil
}

func (p *constraintParser) parseLeaf() (*Expr, error) {
	start := p.pos
	opIdx := -1
	var op exprOp
	var opLen int

scan:
	for i := p.pos; i < len(p.input); i++ {
		switch p.input[i] {
		case '=':
			opIdx, op, opLen = i, opEqual, 1
			break scan
		case '<':
			if i+1 < len(p.input) && p.input[i+1] == '=' {
				opIdx, op, opLen = i, opLessEqual, 2
			} else {
				opIdx, op, opLen = i, opLess, 1
			}
			break scan
		case '>':
			if i+1 < len(p.input) && p.input[i+1] == '=' {
				opIdx, op, opLen = i, opGreaterEqual, 2
			} else {
				opIdx, op, opLen = i, opGreater, 1
			}
			break scan
		case ')', '(':
			break scan
		}
	}
	if opIdx < 0 || opIdx == start {
		return nil, protocol.Errorf(protocol.CodeValidation, "constraint: malformed comparison at offset %d", start)
	}

	key := norm.NFC.String(strings.TrimSpace(p.input[start:opIdx]))
	p.pos = opIdx + opLen

	valStart := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != ')' {
		p.pos++
	}
	value := strings.TrimSpace(p.input[valStart:p.pos])

	if op == opEqual && value == "*" {
		return &Expr{op: opPresent, key: key}, nil
	}
	return &Expr{op: op, key: key, value: value}, nil
}

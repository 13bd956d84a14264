package store

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidPredicate is returned when a filter expression cannot be parsed.
var ErrInvalidPredicate = errors.New("invalid predicate")

// Clause is one condition on a named attribute.
type Clause struct {
	Name  string
	Equal *string
	Lo    float64
	Hi    float64
}

// Predicate is a conjunction of clauses. The zero value matches everything.
type Predicate struct {
	Clauses []Clause
}

var (
	eqClause    = regexp.MustCompile(`^([A-Za-z_][\w.]*)\s*==\s*(?:"([^"]*)"|(\S+))$`)
	rangeClause = regexp.MustCompile(`^(\S+)\s*<=\s*([A-Za-z_][\w.]*)\s*<=\s*(\S+)$`)
	leClause    = regexp.MustCompile(`^([A-Za-z_][\w.]*)\s*<=\s*(\S+)$`)
	geClause    = regexp.MustCompile(`^([A-Za-z_][\w.]*)\s*>=\s*(\S+)$`)
	andSep      = regexp.MustCompile(`(?i)\s+and\s+`)
)

// ParsePredicate parses clauses of the form
//
//	name == "value"
//	lo <= name <= hi
//	name <= hi
//	name >= lo
//
// joined by "and". An empty string yields the match-all predicate.
func ParsePredicate(s string) (Predicate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Predicate{}, nil
	}

	var p Predicate
	for _, part := range andSep.Split(s, -1) {
		c, err := parseClause(strings.TrimSpace(part))
		if err != nil {
			return Predicate{}, err
		}
		p.Clauses = append(p.Clauses, c)
	}
	return p, nil
}

func parseClause(s string) (Clause, error) {
	if m := rangeClause.FindStringSubmatch(s); m != nil {
		lo, err1 := strconv.ParseFloat(m[1], 64)
		hi, err2 := strconv.ParseFloat(m[3], 64)
		if err1 != nil || err2 != nil {
			return Clause{}, fmt.Errorf("%w: non-numeric bound in %q", ErrInvalidPredicate, s)
		}
		if lo > hi {
			return Clause{}, fmt.Errorf("%w: empty range in %q", ErrInvalidPredicate, s)
		}
		return Clause{Name: m[2], Lo: lo, Hi: hi}, nil
	}
	if m := eqClause.FindStringSubmatch(s); m != nil {
		v := m[2]
		if v == "" {
			v = m[3]
		}
		return Clause{Name: m[1], Equal: &v}, nil
	}
	if m := leClause.FindStringSubmatch(s); m != nil {
		hi, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return Clause{}, fmt.Errorf("%w: non-numeric bound in %q", ErrInvalidPredicate, s)
		}
		return Clause{Name: m[1], Lo: negInf, Hi: hi}, nil
	}
	if m := geClause.FindStringSubmatch(s); m != nil {
		lo, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return Clause{}, fmt.Errorf("%w: non-numeric bound in %q", ErrInvalidPredicate, s)
		}
		return Clause{Name: m[1], Lo: lo, Hi: posInf}, nil
	}
	return Clause{}, fmt.Errorf("%w: %q", ErrInvalidPredicate, s)
}

// IsRange reports whether the clause is a numeric range.
func (c Clause) IsRange() bool {
	return c.Equal == nil
}

// Match reports whether attrs satisfy the clause. Range clauses need a
// numeric attribute.
func (c Clause) Match(attrs map[string]string) bool {
	v, ok := attrs[c.Name]
	if !ok {
		return false
	}
	if c.Equal != nil {
		return v == *c.Equal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return false
	}
	return c.Lo <= f && f <= c.Hi
}

// Empty reports whether the predicate matches everything.
func (p Predicate) Empty() bool {
	return len(p.Clauses) == 0
}

// Match reports whether attrs satisfy every clause.
func (p Predicate) Match(attrs map[string]string) bool {
	for _, c := range p.Clauses {
		if !c.Match(attrs) {
			return false
		}
	}
	return true
}

// ParseAttributes parses a comma separated list of name=value pairs.
func ParseAttributes(line string) (map[string]string, error) {
	attrs := make(map[string]string)
	line = strings.TrimSpace(line)
	if line == "" {
		return attrs, nil
	}
	for _, kv := range strings.Split(line, ",") {
		name, value, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid attribute %q", kv)
		}
		attrs[name] = strings.TrimSpace(value)
	}
	return attrs, nil
}

package conditions

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/benaskins/vigil/internal/supervise"
)

// Operator bits of a Complex operand.
const (
	OpAnd = 0x1
	OpOr  = 0x2
	OpNot = 0x4
)

type operand struct {
	cond supervise.PollCondition
	op   int
}

// Complex combines poll conditions with boolean operators, evaluated left to
// right. Every operand is tested on every check.
type Complex struct {
	supervise.PollBase `yaml:"-"`

	this     supervise.PollCondition
	operands []operand
}

func (c *Complex) Kind() string { return "complex" }

// This sets the anchor whose result seeds the fold.
func (c *Complex) This(p supervise.PollCondition) *Complex {
	c.this = p
	return c
}

func (c *Complex) And(p supervise.PollCondition) *Complex    { return c.push(p, OpAnd) }
func (c *Complex) AndNot(p supervise.PollCondition) *Complex { return c.push(p, OpAnd|OpNot) }
func (c *Complex) Or(p supervise.PollCondition) *Complex     { return c.push(p, OpOr) }
func (c *Complex) OrNot(p supervise.PollCondition) *Complex  { return c.push(p, OpOr|OpNot) }

func (c *Complex) push(p supervise.PollCondition, op int) *Complex {
	c.operands = append(c.operands, operand{cond: p, op: op})
	return c
}

func (c *Complex) each(fn func(p supervise.PollCondition)) {
	if c.this != nil {
		fn(c.this)
	}
	for _, o := range c.operands {
		fn(o.cond)
	}
}

// Prepare binds the operands to the complex condition's owner and prepares
// them.
func (c *Complex) Prepare() {
	owner := c.Owner()
	c.each(func(p supervise.PollCondition) {
		p.Common().Bind(owner)
		if pp, ok := p.(supervise.Preparer); ok {
			pp.Prepare()
		}
	})
}

func (c *Complex) Validate() error {
	if c.this == nil && len(c.operands) == 0 {
		return complain(c, "needs at least one operand")
	}
	var err error
	c.each(func(p supervise.PollCondition) {
		if err == nil {
			if verr := p.Validate(); verr != nil {
				err = fmt.Errorf("condition complex: operand %s: %w", p.Kind(), verr)
			}
		}
	})
	return err
}

func (c *Complex) Reset() {
	c.each(func(p supervise.PollCondition) { p.Reset() })
}

func (c *Complex) After() {
	c.each(func(p supervise.PollCondition) { p.After() })
}

// Test seeds the fold with the anchor's result, or with true when the first
// operator is AND and false otherwise.
func (c *Complex) Test(ctx context.Context) (bool, error) {
	var res bool
	if c.this != nil {
		res = c.evaluate(ctx, c.this)
	} else {
		res = c.operands[0].op&OpAnd > 0
	}

	for _, o := range c.operands {
		value := c.evaluate(ctx, o.cond)
		if o.op&OpNot > 0 {
			value = !value
		}
		if o.op&OpAnd > 0 {
			res = res && value
		} else {
			res = res || value
		}
	}

	var info []string
	c.each(func(p supervise.PollCondition) {
		for _, line := range p.Common().Info() {
			if line != "" {
				info = append(info, line)
			}
		}
	})
	c.SetInfo(strings.Join(info, "; "))
	return res, nil
}

func (c *Complex) evaluate(ctx context.Context, p supervise.PollCondition) bool {
	ok, err := p.Test(ctx)
	if err != nil {
		if o := c.Owner(); o != nil {
			o.Logger().Error("complex operand failed", "condition", p.Kind(), "error", err)
		}
		return false
	}
	return ok
}

var complexOps = map[string]int{
	"and":     OpAnd,
	"and_not": OpAnd | OpNot,
	"or":      OpOr,
	"or_not":  OpOr | OpNot,
}

// UnmarshalYAML reads
//
//	this: {kind: ...}
//	operands:
//	  - and: {kind: ...}
//	  - or_not: {kind: ...}
func (c *Complex) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		This     *yaml.Node             `yaml:"this"`
		Operands []map[string]yaml.Node `yaml:"operands"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	if raw.This != nil {
		p, err := decodePoll(raw.This)
		if err != nil {
			return fmt.Errorf("complex this: %w", err)
		}
		c.This(p)
	}
	for i, entry := range raw.Operands {
		if len(entry) != 1 {
			return fmt.Errorf("complex operand %d: want exactly one of and, and_not, or, or_not", i)
		}
		for name, sub := range entry {
			op, ok := complexOps[name]
			if !ok {
				return fmt.Errorf("complex operand %d: unknown operator %q", i, name)
			}
			p, err := decodePoll(&sub)
			if err != nil {
				return fmt.Errorf("complex operand %d: %w", i, err)
			}
			c.push(p, op)
		}
	}
	return nil
}

func decodePoll(node *yaml.Node) (supervise.PollCondition, error) {
	cond, err := Decode(node)
	if err != nil {
		return nil, err
	}
	p, ok := cond.(supervise.PollCondition)
	if !ok {
		return nil, complain(cond, "only poll conditions can be combined")
	}
	return p, nil
}

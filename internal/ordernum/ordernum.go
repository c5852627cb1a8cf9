// Package ordernum assigns globally unique, human-readable order numbers.
// A number is the decimal form of a snowflake id plus one Luhn check digit,
// so numbers are monotonic per node and typos are detectable.
package ordernum

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator hands out order numbers from a snowflake node.
type Generator struct {
	node *snowflake.Node
}

// New creates a generator for the given node id (0..1023).
func New(nodeID int64) (*Generator, error) {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	return &Generator{node: n}, nil
}

// Next returns the next order number.
func (g *Generator) Next() string {
	base := g.node.Generate().String()
	return base + string(rune('0'+checkDigit(base)))
}

// Valid reports whether no is a well-formed order number.
func Valid(no string) bool {
	if len(no) < 2 {
		return false
	}
	base, last := no[:len(no)-1], no[len(no)-1]
	if last < '0' || last > '9' {
		return false
	}
	for _, c := range base {
		if c < '0' || c > '9' {
			return false
		}
	}
	return checkDigit(base) == int(last-'0')
}

// checkDigit computes the Luhn check digit over a decimal string.
func checkDigit(digits string) int {
	sum := 0
	double := true
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return (10 - sum%10) % 10
}

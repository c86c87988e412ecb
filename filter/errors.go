package filter

import (
	"fmt"
	"strings"
)

// Errors collects errors of all nodes that failed in a single phase.
type Errors []error

func (e Errors) Error() string {
	s := []string{}
	for _, se := range e {
		s = append(s, se.Error())
	}
	return strings.Join(s, "; ")
}

// Unwrap allows to match any of collected errors.
func (e Errors) Unwrap() []error {
	return e
}

// ret returns untyped nil if error list is empty.
func (e Errors) ret() error {
	if len(e) > 0 {
		return e
	}
	return nil
}

// NodeError is an error of a single filter.
type NodeError struct {
	Filter string
	Phase  Phase
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Filter, e.Phase, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

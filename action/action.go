// Package action defines the closed instruction set a coordinator may send
// in the Scraper-Action header, and the parser that validates it.
//
// Instructions are data, not code: documents interpret them locally. Raw
// script source is only accepted when the host opts in with AllowScripts.
package action

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
)

// Op names a permitted document operation.
type Op string

const (
	OpAppendHTML Op = "append_html" // append markup to the insertion target
	OpSetAttr    Op = "set_attr"    // set attribute Name=Value on the first Selector match
	OpRemoveAttr Op = "remove_attr" // remove attribute Name from the first Selector match
	OpSetText    Op = "set_text"    // replace text content of the first Selector match
	OpRemove     Op = "remove"      // remove every Selector match
	OpClick      Op = "click"       // click the first Selector match (browser only)
	OpSubmit     Op = "submit"      // submit the form matched by Selector (browser only)
	OpCall       Op = "call"        // call an allow-listed page function with string Args (browser only)
	OpScript     Op = "script"      // append a <script> node whose body is Value
)

var knownOps = []Op{
	OpAppendHTML, OpSetAttr, OpRemoveAttr, OpSetText, OpRemove,
	OpClick, OpSubmit, OpCall, OpScript,
}

var (
	// ErrUnknownOp is returned for an op outside the instruction set.
	ErrUnknownOp = errors.New("action: unknown op")
	// ErrInvalid is returned when an instruction is malformed.
	ErrInvalid = errors.New("action: invalid instruction")
	// ErrScriptsDisabled is returned for script instructions when scripts are not allowed.
	ErrScriptsDisabled = errors.New("action: scripts are disabled")
	// ErrFunctionNotAllowed is returned for call instructions naming a function outside the allow-list.
	ErrFunctionNotAllowed = errors.New("action: function not allowed")
	// ErrUnsupported is returned by documents that cannot perform an op.
	ErrUnsupported = errors.New("action: op not supported by document")
	// ErrNoMatch is returned when a selector matches no element.
	ErrNoMatch = errors.New("action: selector matched nothing")
)

// InsertTarget selects where appended markup and script nodes land.
type InsertTarget string

const (
	TargetBody      InsertTarget = "body"      // the document body
	TargetContainer InsertTarget = "container" // the container created by the last splice, else body
)

// Instruction is a single document operation.
type Instruction struct {
	Op       Op       `json:"op"`
	Selector string   `json:"selector,omitempty"`
	Name     string   `json:"name,omitempty"`
	Value    string   `json:"value,omitempty"`
	HTML     string   `json:"html,omitempty"`
	Function string   `json:"function,omitempty"`
	Args     []string `json:"args,omitempty"`
}

// ParseOptions restricts which instructions Parse accepts.
type ParseOptions struct {
	AllowScripts     bool
	AllowedFunctions []string
}

var functionRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)

// Validate checks that the instruction is well formed and permitted by opts.
func (in Instruction) Validate(opts ParseOptions) error {
	switch in.Op {
	case OpAppendHTML:
		if in.HTML == "" {
			return fmt.Errorf("%w: %s requires html", ErrInvalid, in.Op)
		}
	case OpSetAttr, OpRemoveAttr:
		if in.Selector == "" || in.Name == "" {
			return fmt.Errorf("%w: %s requires selector and name", ErrInvalid, in.Op)
		}
	case OpSetText, OpRemove, OpClick, OpSubmit:
		if in.Selector == "" {
			return fmt.Errorf("%w: %s requires selector", ErrInvalid, in.Op)
		}
	case OpCall:
		if !functionRe.MatchString(in.Function) {
			return fmt.Errorf("%w: call requires a function name, got %q", ErrInvalid, in.Function)
		}
		if !slices.Contains(opts.AllowedFunctions, in.Function) {
			return fmt.Errorf("%w: %s", ErrFunctionNotAllowed, in.Function)
		}
	case OpScript:
		if !opts.AllowScripts {
			return ErrScriptsDisabled
		}
		if in.Value == "" {
			return fmt.Errorf("%w: script requires value", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, in.Op)
	}
	return nil
}

// String returns a short description for logs.
func (in Instruction) String() string {
	switch in.Op {
	case OpCall:
		return fmt.Sprintf("call %s(%d args)", in.Function, len(in.Args))
	case OpScript:
		return fmt.Sprintf("script (%d bytes)", len(in.Value))
	case OpAppendHTML:
		return fmt.Sprintf("append_html (%d bytes)", len(in.HTML))
	default:
		if in.Name != "" {
			return fmt.Sprintf("%s %s [%s]", in.Op, in.Selector, in.Name)
		}
		return fmt.Sprintf("%s %s", in.Op, in.Selector)
	}
}

// Script returns a script instruction running src.
func Script(src string) Instruction {
	return Instruction{Op: OpScript, Value: src}
}

func known(op Op) bool {
	return slices.Contains(knownOps, op)
}

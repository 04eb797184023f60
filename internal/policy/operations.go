package policy

import (
	"fmt"
	"strings"
)

// Operation is a mutating operation. The set is closed: every value has a
// row in the operations table, and adding one requires choosing its
// transports and static check there.
type Operation int

const (
	OpAcquireLock Operation = iota + 1
	OpReleaseLock
	OpCompleteWork
	OpSubmitWork
	OpClaimWork
	OpWriteHandoff
	OpRemember
	OpCheckGuardrails
)

// Transport is a bitmask of the surfaces that expose an operation.
type Transport uint8

const (
	TransportMCP Transport = 1 << iota
	TransportHTTP
)

func (t Transport) String() string {
	switch t {
	case TransportMCP:
		return "mcp"
	case TransportHTTP:
		return "http"
	}
	return fmt.Sprintf("transport(%d)", uint8(t))
}

type opSpec struct {
	name       string
	transports Transport
	check      func(Request) error
}

var operations = map[Operation]opSpec{
	OpAcquireLock:     {"acquire_lock", TransportMCP | TransportHTTP, requireTarget("lock key")},
	OpReleaseLock:     {"release_lock", TransportMCP | TransportHTTP, requireTarget("lock key")},
	OpCompleteWork:    {"complete_work", TransportMCP | TransportHTTP, requireTarget("task id")},
	OpSubmitWork:      {"submit_work", TransportMCP | TransportHTTP, requireTarget("task type")},
	OpClaimWork:       {"claim_work", TransportMCP | TransportHTTP, nil},
	OpWriteHandoff:    {"write_handoff", TransportMCP, checkHandoffOwner},
	OpRemember:        {"remember", TransportMCP | TransportHTTP, requireContent("memory content")},
	OpCheckGuardrails: {"check_guardrails", TransportMCP | TransportHTTP, requireContent("text to check")},
}

// AllOperations lists every operation in declaration order.
func AllOperations() []Operation {
	ops := make([]Operation, 0, len(operations))
	for op := OpAcquireLock; op <= OpCheckGuardrails; op++ {
		ops = append(ops, op)
	}
	return ops
}

func (o Operation) String() string {
	if def, ok := operations[o]; ok {
		return def.name
	}
	return fmt.Sprintf("operation(%d)", int(o))
}

// ExposedOn reports whether t exposes o.
func (o Operation) ExposedOn(t Transport) bool {
	return operations[o].transports&t != 0
}

// ParseOperation maps a wire name to its operation.
func ParseOperation(name string) (Operation, bool) {
	for op, def := range operations {
		if def.name == name {
			return op, true
		}
	}
	return 0, false
}

// MutationOperations returns the operations t exposes, in declaration order.
func MutationOperations(t Transport) []Operation {
	var out []Operation
	for _, op := range AllOperations() {
		if op.ExposedOn(t) {
			out = append(out, op)
		}
	}
	return out
}

// VerifySurface checks that a transport registers handlers for exactly the
// operations it exposes.
func VerifySurface(t Transport, handled []Operation) error {
	want := make(map[Operation]bool)
	for _, op := range MutationOperations(t) {
		want[op] = true
	}
	got := make(map[Operation]bool)
	var extra []string
	for _, op := range handled {
		got[op] = true
		if !want[op] {
			extra = append(extra, op.String())
		}
	}
	var missing []string
	for op := range want {
		if !got[op] {
			missing = append(missing, op.String())
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	return fmt.Errorf("%s surface out of sync: missing [%s], not exposed [%s]",
		t, strings.Join(missing, ", "), strings.Join(extra, ", "))
}

func requireTarget(what string) func(Request) error {
	return func(r Request) error {
		if strings.TrimSpace(r.Target) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func requireContent(what string) func(Request) error {
	return func(r Request) error {
		if strings.TrimSpace(r.Content) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

// checkHandoffOwner restricts agents to writing their own handoffs.
func checkHandoffOwner(r Request) error {
	if r.Target != r.Actor {
		return fmt.Errorf("actor %q may not write handoffs for %q", r.Actor, r.Target)
	}
	return nil
}

package reconcile

import (
	"fmt"

	"github.com/schaermu/kojitagsync/internal/declare"
	"github.com/schaermu/kojitagsync/internal/hub"
)

// Kind identifies the package list change an Operation performs
type Kind int

const (
	Add Kind = iota + 1
	Remove
	Block
	Unblock
	SetOwner
)

func (k Kind) String() string {
	switch k {
	case Add:
		return "add"
	case Remove:
		return "remove"
	case Block:
		return "block"
	case Unblock:
		return "unblock"
	case SetOwner:
		return "set-owner"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText renders the kind by name in JSON results
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name written by MarshalText
func (k *Kind) UnmarshalText(text []byte) error {
	for _, kind := range []Kind{Add, Remove, Block, Unblock, SetOwner} {
		if kind.String() == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown operation kind %q", text)
}

// Operation is a single change to a tag's package list. Owner is only
// set for Add and SetOwner.
type Operation struct {
	Kind    Kind   `json:"kind"`
	Package string `json:"package"`
	Owner   string `json:"owner,omitempty"`
}

// Message returns the change log line for the operation
func (o Operation) Message() string {
	switch o.Kind {
	case Add:
		return fmt.Sprintf("package %s was added", o.Package)
	case Remove:
		return fmt.Sprintf("package %s was removed", o.Package)
	case Block:
		return fmt.Sprintf("package %s was blocked", o.Package)
	case Unblock:
		return fmt.Sprintf("package %s was unblocked", o.Package)
	case SetOwner:
		return fmt.Sprintf("package %s was assigned to owner %s", o.Package, o.Owner)
	default:
		return fmt.Sprintf("package %s: unknown operation %s", o.Package, o.Kind)
	}
}

// Call converts the operation into the hub call for tag. It panics when
// Kind is not one of the declared kinds, such as the zero value; every
// operation returned by Plan has a valid Kind.
func (o Operation) Call(tag string) hub.Call {
	switch o.Kind {
	case Add:
		return hub.AddCall(tag, o.Package, o.Owner)
	case Remove:
		return hub.RemoveCall(tag, o.Package)
	case Block:
		return hub.BlockCall(tag, o.Package)
	case Unblock:
		return hub.UnblockCall(tag, o.Package)
	case SetOwner:
		return hub.SetOwnerCall(tag, o.Package, o.Owner)
	default:
		panic(fmt.Sprintf("reconcile: no hub call for %s", o.Kind))
	}
}

// Plan computes the operations that turn observed into desired.
//
// Desired packages are visited in order. A missing package is added, then
// blocked if declared blocked. A listed package gets a SetOwner when the
// owner differs and a Block or Unblock when the blocked state differs.
// Listed packages that are not declared are removed afterwards, in listing
// order. extra_arches is never compared. The result is empty, not nil,
// when nothing differs.
func Plan(observed []hub.Package, desired []declare.Package) []Operation {
	listed := make(map[string]hub.Package, len(observed))
	for _, pkg := range observed {
		listed[pkg.PackageName] = pkg
	}

	ops := []Operation{}
	declared := make(map[string]bool, len(desired))
	for _, want := range desired {
		declared[want.Name] = true

		have, ok := listed[want.Name]
		if !ok {
			ops = append(ops, Operation{Kind: Add, Package: want.Name, Owner: want.Owner})
			if want.Blocked {
				ops = append(ops, Operation{Kind: Block, Package: want.Name})
			}
			continue
		}

		if have.OwnerName != want.Owner {
			ops = append(ops, Operation{Kind: SetOwner, Package: want.Name, Owner: want.Owner})
		}
		if have.Blocked != want.Blocked {
			kind := Unblock
			if want.Blocked {
				kind = Block
			}
			ops = append(ops, Operation{Kind: kind, Package: want.Name})
		}
	}

	for _, pkg := range observed {
		if !declared[pkg.PackageName] {
			ops = append(ops, Operation{Kind: Remove, Package: pkg.PackageName})
		}
	}

	return ops
}

// Messages renders one change log line per operation, in order
func Messages(ops []Operation) []string {
	lines := make([]string, 0, len(ops))
	for _, op := range ops {
		lines = append(lines, op.Message())
	}
	return lines
}

// Calls builds the command buffer submitted to the hub for tag
func Calls(tag string, ops []Operation) []hub.Call {
	calls := make([]hub.Call, 0, len(ops))
	for _, op := range ops {
		calls = append(calls, op.Call(tag))
	}
	return calls
}

package hub

import (
	"context"
	"fmt"
)

// Hub method names used in package list multicalls
const (
	MethodListPackages = "listPackages"
	MethodAdd          = "packageListAdd"
	MethodRemove       = "packageListRemove"
	MethodBlock        = "packageListBlock"
	MethodUnblock      = "packageListUnblock"
	MethodSetOwner     = "packageListSetOwner"
	MethodMultiCall    = "multiCall"
)

// Package is one row of a tag's package listing as reported by the hub
type Package struct {
	PackageID   int     `json:"package_id"`
	PackageName string  `json:"package_name"`
	TagID       int     `json:"tag_id"`
	TagName     string  `json:"tag_name"`
	OwnerID     int     `json:"owner_id"`
	OwnerName   string  `json:"owner_name"`
	Blocked     bool    `json:"blocked"`
	ExtraArches *string `json:"extra_arches"`
}

// Call is a single queued hub invocation inside a multicall
type Call struct {
	Method string   `json:"methodName"`
	Params []string `json:"params"`
}

func (c Call) String() string {
	return fmt.Sprintf("%s%q", c.Method, c.Params)
}

// Session is the remote side of a reconciliation
type Session interface {
	// ListPackages returns a snapshot of the packages listed in a tag
	ListPackages(ctx context.Context, tag string) ([]Package, error)
	// MultiCall executes calls in one round-trip. With strict set, any
	// failing call fails the whole batch and nothing is applied.
	MultiCall(ctx context.Context, calls []Call, strict bool) error
}

// AddCall queues packageListAdd(tag, pkg, owner)
func AddCall(tag, pkg, owner string) Call {
	return Call{Method: MethodAdd, Params: []string{tag, pkg, owner}}
}

// RemoveCall queues packageListRemove(tag, pkg)
func RemoveCall(tag, pkg string) Call {
	return Call{Method: MethodRemove, Params: []string{tag, pkg}}
}

// BlockCall queues packageListBlock(tag, pkg)
func BlockCall(tag, pkg string) Call {
	return Call{Method: MethodBlock, Params: []string{tag, pkg}}
}

// UnblockCall queues packageListUnblock(tag, pkg)
func UnblockCall(tag, pkg string) Call {
	return Call{Method: MethodUnblock, Params: []string{tag, pkg}}
}

// SetOwnerCall queues packageListSetOwner(tag, pkg, owner)
func SetOwnerCall(tag, pkg, owner string) Call {
	return Call{Method: MethodSetOwner, Params: []string{tag, pkg, owner}}
}

// FaultError reports a call rejected by the hub
type FaultError struct {
	Call   Call
	Code   int
	Reason string
}

func (e *FaultError) Error() string {
	if e.Call.Method == "" {
		return fmt.Sprintf("hub fault %d: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: hub fault %d: %s", e.Call, e.Code, e.Reason)
}

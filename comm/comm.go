// Package comm extends the distributed put/get primitives so that either endpoint may be device memory.
//
// The transport only moves host memory between nodes. The Bridge stages device data through host buffers,
// and, when the remote endpoint is on a device, asks the remote node to perform the reverse operation
// (a get instead of a put, or vice versa) with its own runtime.
package comm

import (
	"context"
	"fmt"
	"unsafe"
)

// OpKind is the kind of operation a RemoteOp asks for.
type OpKind int

const (
	// OpGet asks the executing node to get the requester's host data into its own memory.
	OpGet OpKind = iota
	// OpPut asks the executing node to put its own data into the requester's host memory.
	OpPut
)

// String implements fmt.Stringer.
func (k OpKind) String() string {
	switch k {
	case OpGet:
		return "get"
	case OpPut:
		return "put"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// RemoteOp is an active message: a data movement executed on another node on behalf of the requester.
type RemoteOp struct {
	Kind OpKind

	// Requester is the node that issued the operation. RequesterAddr is host memory on it, with
	// RequesterSubloc the sub-locale it was created on.
	Requester       int
	RequesterSubloc int
	RequesterAddr   unsafe.Pointer

	// Subloc and Addr are the endpoint on the executing node, usually device memory.
	Subloc int
	Addr   unsafe.Pointer

	Size int
}

// String implements fmt.Stringer.
func (op RemoteOp) String() string {
	return fmt.Sprintf("%s(requester=%d:%d:%p, local=%d:%p, size=%d)",
		op.Kind, op.Requester, op.RequesterSubloc, op.RequesterAddr, op.Subloc, op.Addr, op.Size)
}

// RemoteHandler executes RemoteOps sent to a node.
type RemoteHandler func(ctx context.Context, op RemoteOp) error

// Transport moves host memory between nodes, and runs operations on remote nodes.
type Transport interface {
	// NodeID of the local node.
	NodeID() int

	// NumNodes in the system. Node ids are 0 to NumNodes-1.
	NumNodes() int

	// Put copies size bytes from src, local host memory, to dst, host memory on dstNode.
	Put(ctx context.Context, dstNode int, dst, src unsafe.Pointer, size int) error

	// Get copies size bytes from src, host memory on srcNode, to dst, local host memory.
	Get(ctx context.Context, dst unsafe.Pointer, srcNode int, src unsafe.Pointer, size int) error

	// ExecuteOn runs op on the node with the handler registered there, and waits for it.
	ExecuteOn(ctx context.Context, node int, op RemoteOp) error

	// SetHandler registers the handler of the RemoteOps sent to the local node.
	SetHandler(handler RemoteHandler)
}

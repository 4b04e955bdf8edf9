// Package workererr defines the error vocabulary shared by every
// component of the shuffle worker. Errors are carried as gRPC status
// errors so that callers on either side of a package boundary can use
// status.Code(err)/errors.Is uniformly, the way
// pkg/util/status.go treats errors as first-class status values.
package workererr

import (
	"context"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sentinel errors matching the kinds enumerated in spec.md §7. An
// unwrapped sentinel matches itself under errors.Is. Wrap/Wrapf keep
// the sentinel's gRPC code but prepend context to its message, and
// errors.Is on status errors compares the whole status, so a wrapped
// sentinel is recognised through status.Code(err), not errors.Is.
// Wrap mirrors util.StatusWrap in buildbarn-bb-storage.
var (
	// NoEnoughMemory: admission budget exhausted; caller may retry once
	// a spill has had a chance to free capacity.
	NoEnoughMemory = status.Error(codes.ResourceExhausted, "not enough memory available")

	// MemoryUsageLimitedByHugePartition: a huge partition's in-memory
	// footprint already reached its configured slice of capacity.
	MemoryUsageLimitedByHugePartition = status.Error(codes.ResourceExhausted, "memory usage is limited by huge partition policy")

	// TicketNotFound: insert referenced a ticket that is unknown or expired.
	TicketNotFound = status.Error(codes.NotFound, "ticket not found")

	// PartitionNotFound: read or write against an unregistered partition.
	PartitionNotFound = status.Error(codes.NotFound, "partition not found")

	// DiskCorrupted: the target disk failed its write/read probe and
	// refuses new appends.
	DiskCorrupted = status.Error(codes.FailedPrecondition, "disk is corrupted")

	// IoTimeout: an IO operation exceeded its wall-clock deadline.
	IoTimeout = status.Error(codes.DeadlineExceeded, "io operation timed out")

	// Cancelled: the caller or a shutdown aborted an in-flight wait.
	Cancelled = status.Error(codes.Canceled, "operation was cancelled")

	// Internal: an invariant was violated; must be logged by the caller.
	Internal = status.Error(codes.Internal, "internal invariant violation")
)

// Wrap prepends msg to err's status message while preserving its code,
// the same contract as util.StatusWrap in buildbarn-bb-storage.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	p := status.Convert(err).Proto()
	p.Message = fmt.Sprintf("%s: %s", msg, p.Message)
	return status.ErrorProto(p)
}

// Wrapf is Wrap with fmt.Sprintf-style formatting.
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// IoFailure wraps an arbitrary filesystem error as IoFailure(cause).
func IoFailure(cause error) error {
	return status.Errorf(codes.Unavailable, "io failure: %s", cause)
}

// FromContext converts a context's error to a status error, mapping
// context.DeadlineExceeded/context.Canceled to their gRPC equivalents,
// mirroring util.StatusFromContext in buildbarn-bb-storage.
func FromContext(ctx context.Context) error {
	if s := status.FromContextError(ctx.Err()); s != nil {
		return s.Err()
	}
	return nil
}

// IsRetryable reports whether a caller may reasonably retry the
// operation that produced err (spec.md §7 "Recoverable?" column).
func IsRetryable(err error) bool {
	switch status.Code(err) {
	case codes.ResourceExhausted, codes.DeadlineExceeded, codes.Canceled, codes.Unavailable:
		return true
	default:
		return false
	}
}

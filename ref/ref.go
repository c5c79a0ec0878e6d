package ref

import (
	"io"
	"sync/atomic"

	"github.com/v2pro/plz"
	"github.com/v2pro/plz/countlog"
)

// ReferenceCounted guards a bundle of resources shared by several owners.
// The counter starts at 1 for the creating owner; Acquire adds an owner and
// Close removes one. The final Close disposes the resources exactly once,
// after which Acquire reports failure forever.
type ReferenceCounted struct {
	resourceName     string
	referenceCounter uint32
	resources        []io.Closer
}

// CloserFunc adapts a plain function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }

func NewReferenceCounted(resourceName string, resources ...io.Closer) *ReferenceCounted {
	return &ReferenceCounted{resourceName: resourceName, referenceCounter: 1, resources: resources}
}

// Acquire takes an additional reference. It returns false when the resource
// has already been disposed, in which case the caller must not use it.
func (refCnt *ReferenceCounted) Acquire() bool {
	for {
		counter := atomic.LoadUint32(&refCnt.referenceCounter)
		if counter == 0 {
			// already disposed, can not be used
			return false
		}
		if !atomic.CompareAndSwapUint32(&refCnt.referenceCounter, counter, counter+1) {
			// retry
			continue
		}
		return true
	}
}

// Count reports the current number of owners. Only meaningful for lifecycle
// assertions; the value may be stale by the time the caller looks at it.
func (refCnt *ReferenceCounted) Count() uint32 {
	return atomic.LoadUint32(&refCnt.referenceCounter)
}

func (refCnt *ReferenceCounted) Close() error {
	if !refCnt.decreaseReference() {
		return nil // still in use
	}
	countlog.Trace("event!ref.close reference counted resource", "resourceName", refCnt.resourceName)
	var errs []error
	for _, res := range refCnt.resources {
		if err := res.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return plz.MergeErrors(errs...)
}

func (refCnt *ReferenceCounted) decreaseReference() bool {
	for {
		counter := atomic.LoadUint32(&refCnt.referenceCounter)
		if counter == 0 {
			return true
		}
		if atomic.CompareAndSwapUint32(&refCnt.referenceCounter, counter, counter-1) {
			return counter == 1 // last one disposes the resources
		}
	}
}

// Package cluster provisions an ephemeral local compute cluster for
// multi-device tests and tears it down in a fixed order.
//
// A Manager starts a scheduler on TCP, launches one worker per device in a
// contiguous DeviceRange, blocks until every worker has registered and
// returns a Handle plus the Client bound to it. Release stops the client,
// runs teardown hooks registered on the handle (newest first), stops the
// workers and finally the scheduler. Release never fails: teardown errors are
// logged and kept on the handle.
//
//	Uninitialized -> Provisioning -> Ready -> Draining -> Closed
package cluster

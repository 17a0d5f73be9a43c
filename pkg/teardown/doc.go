// Package teardown removes a deployment in reverse dependency order and
// verifies that nothing it owned is left behind.
//
// Every phase goes through apply.Deleter, so a resource stuck behind a
// finalizer is forced out rather than waited on forever. Custom resources
// whose namespace is already gone are recovered through a transient
// namespace of the same name.
package teardown

// Package resource is the registrar giving every component one naming and
// lifecycle namespace.
//
// Names are unique within a category. A resource's release function runs
// exactly once, either on Unregister or when the registrar is closed at
// teardown. Registration is mirrored to a Devices model: the native model
// makes names visible machine-wide through entries in the shared memory
// directory, the local model keeps bookkeeping in process only.
package resource

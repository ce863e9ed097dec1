// Package artifact resolves app and test artifact references to object store
// addresses, uploading local files beneath a dispatch's output root.
package artifact

package model

import "strings"

// RemotePrefix marks an artifact location that already lives in the remote
// object store.
const RemotePrefix = "gs://"

// ArtifactKind tags an ArtifactRef as local or remote.
type ArtifactKind int

const (
	ArtifactLocal ArtifactKind = iota
	ArtifactRemote
)

func (k ArtifactKind) String() string {
	if k == ArtifactRemote {
		return "remote"
	}
	return "local"
}

// ArtifactRef points at an app or test binary, either on the local disk or
// already uploaded to the object store.
type ArtifactRef struct {
	kind     ArtifactKind
	location string
}

// LocalArtifact returns a reference to a file on the local disk.
func LocalArtifact(path string) ArtifactRef {
	return ArtifactRef{kind: ArtifactLocal, location: path}
}

// RemoteArtifact returns a reference to an object store address.
func RemoteArtifact(addr string) ArtifactRef {
	return ArtifactRef{kind: ArtifactRemote, location: addr}
}

// ParseArtifactRef classifies s by its prefix.
func ParseArtifactRef(s string) ArtifactRef {
	if IsRemoteAddress(s) {
		return RemoteArtifact(s)
	}
	return LocalArtifact(s)
}

// IsRemoteAddress reports whether s is an object store address.
func IsRemoteAddress(s string) bool {
	return strings.HasPrefix(s, RemotePrefix)
}

func (a ArtifactRef) Kind() ArtifactKind { return a.kind }
func (a ArtifactRef) Location() string   { return a.location }
func (a ArtifactRef) IsRemote() bool     { return a.kind == ArtifactRemote }
func (a ArtifactRef) IsZero() bool       { return a.location == "" }
func (a ArtifactRef) String() string     { return a.location }

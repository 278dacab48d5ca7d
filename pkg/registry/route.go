package registry

import "strings"

// RouteKind discriminates the distribution API surfaces.
type RouteKind int

const (
	RouteUnknown RouteKind = iota
	RouteBase
	RouteBlob
	RouteUploadStart
	RouteUpload
	RouteManifest
)

// Route is one parsed /v2/ request target. Name may contain a slash
// (namespace/image); Reference is a digest, a tag or an upload id depending
// on the kind.
type Route struct {
	Kind      RouteKind
	Name      string
	Reference string
}

// ParseRoute classifies a request path below /v2/. Repository names are one
// or two path segments, so the fixed markers (blobs, manifests, uploads) are
// located from the right.
func ParseRoute(path string) Route {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/v2"), "/")
	if trimmed == "" {
		return Route{Kind: RouteBase}
	}
	segments := strings.Split(trimmed, "/")

	// name/blobs/uploads and name/blobs/uploads/<id>
	for i := len(segments) - 1; i >= 1; i-- {
		if segments[i] != "blobs" {
			continue
		}
		name := strings.Join(segments[:i], "/")
		rest := segments[i+1:]
		switch {
		case len(rest) == 1 && rest[0] == "uploads":
			return Route{Kind: RouteUploadStart, Name: name}
		case len(rest) == 2 && rest[0] == "uploads":
			return Route{Kind: RouteUpload, Name: name, Reference: rest[1]}
		case len(rest) == 1:
			return Route{Kind: RouteBlob, Name: name, Reference: rest[0]}
		}
		return Route{Kind: RouteUnknown}
	}
	for i := len(segments) - 1; i >= 1; i-- {
		if segments[i] == "manifests" && i == len(segments)-2 {
			return Route{Kind: RouteManifest, Name: strings.Join(segments[:i], "/"), Reference: segments[len(segments)-1]}
		}
	}
	return Route{Kind: RouteUnknown}
}

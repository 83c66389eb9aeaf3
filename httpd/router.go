package httpd

import (
	"mime"
	"net/url"
	"strings"

	. "github.com/warpfork/go-errcat"

	"go.polydawn.net/packhouse"
	"go.polydawn.net/packhouse/store"
)

type Mode string

const (
	ModeAdvertise Mode = "advertisement" // GET {prefix}/{repo}/info/refs?service={svc}
	ModeRPC       Mode = "rpc"           // POST {prefix}/{repo}/{svc}
)

/*
	The outcome of routing one request: which repository, which service,
	and which protocol phase.  SvcToken preserves the client's spelling of
	the service name ("upload-pack" vs "git-upload-pack") so content types
	and the service announcement echo it back verbatim.
*/
type Route struct {
	RepoName string
	Service  packhouse.Service
	SvcToken string
	Mode     Mode
}

/*
	Map an HTTP method + path + query + content type onto a protocol
	operation.

	The traversal and empty-segment rejections run on the raw decoded path
	before the route shape is even considered, and long before any
	filesystem access: this is a security boundary, not a convenience
	check.

	May return errors of category:

	  - `packhouse.ErrBadRequest` -- traversal/malformed path, bad service
	    value, method or content-type mismatch
	  - `packhouse.ErrNotFound` -- path shapes we don't serve
*/
func ParseRoute(method, rawPath, prefix string, query url.Values, contentType string) (Route, error) {
	if err := checkPathShape(rawPath); err != nil {
		return Route{}, err
	}
	if !strings.HasPrefix(rawPath, prefix+"/") {
		return Route{}, Errorf(packhouse.ErrNotFound, "no such route %q", rawPath)
	}
	segs := strings.Split(strings.TrimPrefix(rawPath, prefix+"/"), "/")

	switch {
	case len(segs) == 3 && segs[1] == "info" && segs[2] == "refs":
		if method != "GET" {
			return Route{}, Errorf(packhouse.ErrBadRequest, "ref advertisement is GET-only (got %s)", method)
		}
		svcToken := query.Get("service")
		if svcToken == "" {
			return Route{}, Errorf(packhouse.ErrBadRequest, "missing service query parameter (the dumb protocol is not served here)")
		}
		svc, err := packhouse.ParseService(svcToken)
		if err != nil {
			return Route{}, err
		}
		if err := store.ValidateName(segs[0]); err != nil {
			return Route{}, err
		}
		return Route{RepoName: segs[0], Service: svc, SvcToken: svcToken, Mode: ModeAdvertise}, nil

	case len(segs) == 2:
		svc, err := packhouse.ParseService(segs[1])
		if err != nil {
			// An unrecognized final segment isn't an RPC endpoint at all.
			return Route{}, Errorf(packhouse.ErrNotFound, "no such route %q", rawPath)
		}
		if method != "POST" {
			return Route{}, Errorf(packhouse.ErrBadRequest, "service RPC is POST-only (got %s)", method)
		}
		if err := checkRPCContentType(contentType, segs[1]); err != nil {
			return Route{}, err
		}
		if err := store.ValidateName(segs[0]); err != nil {
			return Route{}, err
		}
		return Route{RepoName: segs[0], Service: svc, SvcToken: segs[1], Mode: ModeRPC}, nil

	default:
		return Route{}, Errorf(packhouse.ErrNotFound, "no such route %q", rawPath)
	}
}

func checkPathShape(pth string) error {
	switch {
	case !strings.HasPrefix(pth, "/"):
		return Errorf(packhouse.ErrBadRequest, "path must be absolute")
	case strings.Contains(pth, "//"):
		return Errorf(packhouse.ErrBadRequest, "path contains an empty segment")
	case strings.Contains(pth, "\\"):
		return Errorf(packhouse.ErrBadRequest, "path contains a backslash")
	}
	for _, seg := range strings.Split(strings.Trim(pth, "/"), "/") {
		if seg == "." || strings.Contains(seg, "..") {
			return Errorf(packhouse.ErrBadRequest, "path contains a traversal segment")
		}
	}
	return nil
}

func checkRPCContentType(contentType, svcToken string) error {
	want := "application/x-" + svcToken + "-request"
	got, _, err := mime.ParseMediaType(contentType)
	if err != nil || got != want {
		return Errorf(packhouse.ErrBadRequest, "content type %q does not match service (want %q)", contentType, want)
	}
	return nil
}

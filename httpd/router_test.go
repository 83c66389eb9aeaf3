package httpd

import (
	"fmt"
	"net/url"
	"testing"

	"github.com/warpfork/go-errcat"

	"go.polydawn.net/packhouse"
)

func TestParseRoute(t *testing.T) {
	testItems := []struct {
		title  string
		method string
		path   string
		query  string
		ctype  string
		route  Route // zero value when an error is expected
		cat    packhouse.ErrorCategory
	}{
		{
			title:  "advertisement, bare service spelling",
			method: "GET", path: "/git/repos1/info/refs", query: "service=upload-pack",
			route: Route{RepoName: "repos1", Service: packhouse.UploadPack, SvcToken: "upload-pack", Mode: ModeAdvertise},
		},
		{
			title:  "advertisement, git-prefixed service spelling",
			method: "GET", path: "/git/repos1/info/refs", query: "service=git-receive-pack",
			route: Route{RepoName: "repos1", Service: packhouse.ReceivePack, SvcToken: "git-receive-pack", Mode: ModeAdvertise},
		},
		{
			title:  "advertisement without a service parameter",
			method: "GET", path: "/git/repos1/info/refs",
			cat: packhouse.ErrBadRequest,
		},
		{
			title:  "advertisement with an unknown service",
			method: "GET", path: "/git/repos1/info/refs", query: "service=frobnicate",
			cat: packhouse.ErrBadRequest,
		},
		{
			title:  "advertisement via POST",
			method: "POST", path: "/git/repos1/info/refs", query: "service=upload-pack",
			cat: packhouse.ErrBadRequest,
		},
		{
			title:  "rpc, bare service spelling",
			method: "POST", path: "/git/repos1/upload-pack", ctype: "application/x-upload-pack-request",
			route: Route{RepoName: "repos1", Service: packhouse.UploadPack, SvcToken: "upload-pack", Mode: ModeRPC},
		},
		{
			title:  "rpc, git-prefixed service spelling",
			method: "POST", path: "/git/repos1/git-receive-pack", ctype: "application/x-git-receive-pack-request",
			route: Route{RepoName: "repos1", Service: packhouse.ReceivePack, SvcToken: "git-receive-pack", Mode: ModeRPC},
		},
		{
			title:  "rpc with a charset parameter on the content type",
			method: "POST", path: "/git/repos1/upload-pack", ctype: "application/x-upload-pack-request; charset=utf-8",
			route: Route{RepoName: "repos1", Service: packhouse.UploadPack, SvcToken: "upload-pack", Mode: ModeRPC},
		},
		{
			title:  "rpc via GET",
			method: "GET", path: "/git/repos1/upload-pack", ctype: "application/x-upload-pack-request",
			cat: packhouse.ErrBadRequest,
		},
		{
			title:  "rpc with a mismatched content type",
			method: "POST", path: "/git/repos1/upload-pack", ctype: "application/x-git-upload-pack-request",
			cat: packhouse.ErrBadRequest,
		},
		{
			title:  "rpc with a blank content type",
			method: "POST", path: "/git/repos1/upload-pack",
			cat: packhouse.ErrBadRequest,
		},
		{
			title:  "rpc on an unknown final segment",
			method: "POST", path: "/git/repos1/frobnicate", ctype: "application/x-frobnicate-request",
			cat: packhouse.ErrNotFound,
		},
		{
			title:  "traversal in the repo segment",
			method: "GET", path: "/git/../info/refs", query: "service=upload-pack",
			cat: packhouse.ErrBadRequest,
		},
		{
			title:  "traversal buried in a segment",
			method: "GET", path: "/git/re..po/info/refs", query: "service=upload-pack",
			cat: packhouse.ErrBadRequest,
		},
		{
			title:  "empty segment",
			method: "GET", path: "/git//info/refs", query: "service=upload-pack",
			cat: packhouse.ErrBadRequest,
		},
		{
			title:  "backslash in the path",
			method: "GET", path: "/git/re\\po/info/refs", query: "service=upload-pack",
			cat: packhouse.ErrBadRequest,
		},
		{
			title:  "relative path",
			method: "GET", path: "git/repos1/info/refs", query: "service=upload-pack",
			cat: packhouse.ErrBadRequest,
		},
		{
			title:  "repo name starting with a dash",
			method: "GET", path: "/git/-repos1/info/refs", query: "service=upload-pack",
			cat: packhouse.ErrBadRequest,
		},
		{
			title:  "outside the route prefix",
			method: "GET", path: "/elsewhere/repos1/info/refs", query: "service=upload-pack",
			cat: packhouse.ErrNotFound,
		},
		{
			title:  "too many segments",
			method: "GET", path: "/git/a/b/info/refs", query: "service=upload-pack",
			cat: packhouse.ErrNotFound,
		},
		{
			title:  "bare repo path",
			method: "GET", path: "/git/repos1", query: "service=upload-pack",
			cat: packhouse.ErrNotFound,
		},
	}
	for _, item := range testItems {
		t.Run(item.title, func(t *testing.T) {
			q, err := url.ParseQuery(item.query)
			if err != nil {
				t.Fatalf("bad test table: %s", err)
			}
			route, err := ParseRoute(item.method, item.path, "/git", q, item.ctype)
			if item.cat != "" {
				if err == nil {
					t.Fatalf("expected an error of category %q, got route %#v", item.cat, route)
				}
				if cat := errcat.Category(err); cat != item.cat {
					t.Errorf("expected category %v but got %v (%s)", item.cat, cat, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error but got %s", err)
			}
			if fmt.Sprintf("%#v", route) != fmt.Sprintf("%#v", item.route) {
				t.Errorf("expected route %#v but got %#v", item.route, route)
			}
		})
	}
}

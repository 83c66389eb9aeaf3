/*
	The httpd layer is the thin HTTP skin over the smarthttp engine:
	a router that maps method+path+query onto protocol operations, a
	streaming response writer that seals the envelope before the first
	body byte, and this handler gluing them to the repository store.
*/
package httpd

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"

	"github.com/warpfork/go-errcat"

	"go.polydawn.net/packhouse"
	"go.polydawn.net/packhouse/smarthttp"
	"go.polydawn.net/packhouse/store"
)

type Handler struct {
	Repos  *store.Store
	Engine *smarthttp.Engine
	Prefix string

	// Create makes the handler provision a repository on its first
	// validly-named request instead of 404ing names absent from disk.
	Create bool

	// ErrorLog receives request-scoped failure notes.  Nil discards them.
	ErrorLog io.Writer
}

func NewHandler(repos *store.Store, engine *smarthttp.Engine, prefix string) *Handler {
	return &Handler{Repos: repos, Engine: engine, Prefix: prefix}
}

func (h *Handler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	rt, err := ParseRoute(req.Method, req.URL.Path, h.Prefix, req.URL.Query(), req.Header.Get("Content-Type"))
	if err != nil {
		h.httpError(rw, req, err)
		return
	}

	var repo store.Repository
	if h.Create {
		repo, err = h.Repos.Ensure(rt.RepoName)
	} else {
		repo, err = h.Repos.Resolve(rt.RepoName)
	}
	if err != nil {
		h.httpError(rw, req, err)
		return
	}

	ctx := req.Context()
	streamer := NewResponseStreamer(rw)

	switch rt.Mode {
	case ModeAdvertise:
		err = streamer.Serve(http.StatusOK, map[string]string{
			"Content-Type":  "application/x-" + rt.SvcToken + "-advertisement",
			"Cache-Control": "no-cache",
		}, func(w io.Writer) error {
			return h.Engine.Advertise(ctx, repo, rt.Service, rt.SvcToken, w)
		})
	case ModeRPC:
		var body io.ReadCloser
		body, err = requestBody(req)
		if err != nil {
			h.httpError(rw, req, err)
			return
		}
		defer body.Close()
		err = streamer.Serve(http.StatusOK, map[string]string{
			"Content-Type":  "application/x-" + rt.SvcToken + "-result",
			"Cache-Control": "no-cache",
		}, func(w io.Writer) error {
			switch rt.Service {
			case packhouse.UploadPack:
				return h.Engine.UploadPack(ctx, repo, body, w)
			default:
				return h.Engine.ReceivePack(ctx, repo, body, w)
			}
		})
	}

	if err != nil {
		h.logf("%s %s: %s", req.Method, req.URL.Path, err)
		// The envelope is sealed, so the failure travels inside the body.
		// A gone client gets nothing -- no point writing into the void.
		if errcat.Category(err) != packhouse.ErrCancelled {
			smarthttp.WriteErrorFrame(streamer, err)
		}
	}
}

// requestBody unwraps the content-encoding of an RPC body.  Decompression
// must happen before any pkt-line parsing sees the stream.
func requestBody(req *http.Request) (io.ReadCloser, error) {
	switch req.Header.Get("Content-Encoding") {
	case "", "identity":
		return req.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(req.Body)
		if err != nil {
			return nil, errcat.Errorf(packhouse.ErrBadRequest, "malformed gzip request body: %s", err)
		}
		return zr, nil
	default:
		return nil, errcat.Errorf(packhouse.ErrBadRequest, "unsupported content encoding %q", req.Header.Get("Content-Encoding"))
	}
}

/*
	Report a request failure detected before any response byte went out:
	these are the only failures that may still pick an HTTP status.
*/
func (h *Handler) httpError(rw http.ResponseWriter, req *http.Request, err error) {
	status := httpStatus(err)
	if status >= 500 {
		h.logf("%s %s: %s", req.Method, req.URL.Path, err)
	}
	http.Error(rw, err.Error(), status)
}

func httpStatus(err error) int {
	switch errcat.Category(err) {
	case packhouse.ErrBadRequest:
		return http.StatusBadRequest
	case packhouse.ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) logf(format string, args ...interface{}) {
	if h.ErrorLog == nil {
		return
	}
	fmt.Fprintf(h.ErrorLog, "packhouse: "+format+"\n", args...)
}

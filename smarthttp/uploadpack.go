package smarthttp

import (
	"context"
	"io"

	. "github.com/warpfork/go-errcat"

	"gopkg.in/src-d/go-git.v4/plumbing/protocol/packp"
	"gopkg.in/src-d/go-git.v4/plumbing/storer"
	"gopkg.in/src-d/go-git.v4/plumbing/transport"
	"gopkg.in/src-d/go-git.v4/plumbing/transport/server"
	gitioutil "gopkg.in/src-d/go-git.v4/utils/ioutil"

	"go.polydawn.net/packhouse"
)

/*
	Serve one stateless upload-pack RPC: decode the client's wants/haves
	negotiation from pkt-lines on `body`, enumerate the objects to send,
	and stream the NAK plus packfile to `w`.

	The pack bytes come out of go-git's server session through a pipe, so
	frames are relayed as produced and a stalled client stalls pack
	encoding rather than growing a buffer.

	May return errors of category:

	  - `packhouse.ErrProtocol` -- malformed negotiation framing
	  - `packhouse.ErrStorage` -- unreadable repository storage
	  - `packhouse.ErrCancelled` -- client went away mid-stream
*/
func (e *Engine) UploadPack(ctx context.Context, repo Repository, body io.Reader, w io.Writer) error {
	req := packp.NewUploadPackRequest()
	if err := req.Decode(gitioutil.NewContextReader(ctx, body)); err != nil {
		return Errorf(packhouse.ErrProtocol, "malformed upload-pack request: %s", err)
	}

	sess, err := e.uploadPackSession(repo)
	if err != nil {
		return err
	}
	defer sess.Close()

	resp, err := sess.UploadPack(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return Errorf(packhouse.ErrCancelled, "upload-pack cancelled: %s", err)
		}
		return Errorf(packhouse.ErrProtocol, "upload-pack negotiation failed: %s", err)
	}
	defer resp.Close()

	if err := resp.Encode(w); err != nil {
		return Errorf(packhouse.ErrCancelled, "upload-pack stream aborted: %s", err)
	}
	return nil
}

// uploadPackSession opens a go-git server-side session directly over the
// repository's storer; the endpoint is purely nominal since our loader
// ignores it.
func (e *Engine) uploadPackSession(repo Repository) (transport.UploadPackSession, error) {
	ep, err := transport.NewEndpoint("/" + repo.Name())
	if err != nil {
		return nil, Errorf(packhouse.ErrStorage, "could not address repository %q: %s", repo.Name(), err)
	}
	sess, err := server.NewServer(storerLoader{repo}).NewUploadPackSession(ep, nil)
	if err != nil {
		return nil, Errorf(packhouse.ErrStorage, "could not open upload-pack session on %q: %s", repo.Name(), err)
	}
	return sess, nil
}

type storerLoader struct {
	repo Repository
}

func (l storerLoader) Load(*transport.Endpoint) (storer.Storer, error) {
	return l.repo.Storer()
}

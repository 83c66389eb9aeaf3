/*
	The smarthttp engine implements the two git smart-HTTP protocol verbs
	in-process: ref advertisement (the `info/refs` phase) and the service
	RPCs (`upload-pack` for fetch/clone, `receive-pack` for push).

	All framing is pkt-line; all repository access goes through go-git
	object/ref storage.  Nothing here shells out, and nothing here knows
	about HTTP -- callers hand us plain byte streams, so the same engine
	would serve any stateless transport.

	Responses stream: pack data is produced as a lazy frame sequence
	through a pipe, so a slow client applies backpressure all the way down
	to object enumeration rather than forcing whole packs into memory.
*/
package smarthttp

import (
	"context"
	"io"

	. "github.com/warpfork/go-errcat"

	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/format/pktline"
	"gopkg.in/src-d/go-git.v4/plumbing/protocol/packp"
	"gopkg.in/src-d/go-git.v4/plumbing/protocol/packp/capability"
	"gopkg.in/src-d/go-git.v4/plumbing/storer"

	"go.polydawn.net/packhouse"
)

/*
	The slice of repository behavior the engine needs.  `store.Repository`
	satisfies this; tests can substitute anything backed by a go-git storer.
*/
type Repository interface {
	Name() string
	Storer() (storer.Storer, error)
	Lock() (release func())
}

type Engine struct {
	// Agent is the value announced via the agent capability.
	// Left blank, a default is used.
	Agent string
}

func NewEngine() *Engine {
	return &Engine{}
}

const defaultAgent = "packhouse/1"

func (e *Engine) agent() string {
	if e.Agent == "" {
		return defaultAgent
	}
	return e.Agent
}

/*
	Produce the ref/capability advertisement for one service:
	a `# service=<svc>` announcement pkt, a flush, the ref listing with
	the capability set on the first line, and a flush terminator.

	`svcToken` is the service name exactly as the client spelled it
	(`upload-pack` or `git-upload-pack`); the announcement echoes it back.

	May return errors of category:

	  - `packhouse.ErrStorage` -- if repository storage is unreadable
	  - `packhouse.ErrCancelled` -- if the output stream dies part-way
*/
func (e *Engine) Advertise(ctx context.Context, repo Repository, svc packhouse.Service, svcToken string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return Errorf(packhouse.ErrCancelled, "advertisement cancelled: %s", err)
	}
	st, err := repo.Storer()
	if err != nil {
		return err
	}

	ar := packp.NewAdvRefs()
	ar.Prefix = [][]byte{
		[]byte("# service=" + svcToken),
		pktline.Flush,
	}
	if err := e.setCapabilities(ar.Capabilities, svc); err != nil {
		return Errorf(packhouse.ErrStorage, "could not build capability set: %s", err)
	}

	iter, err := st.IterReferences()
	if err != nil {
		return Errorf(packhouse.ErrStorage, "could not list references of %q: %s", repo.Name(), err)
	}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		ar.References[ref.Name().String()] = ref.Hash()
		return nil
	})
	if err != nil {
		return Errorf(packhouse.ErrStorage, "could not list references of %q: %s", repo.Name(), err)
	}
	// HEAD is advertised when it resolves; on a fresh empty repository it
	// doesn't, and the advertisement is just the capability/flush framing.
	if head, err := storer.ResolveReference(st, plumbing.HEAD); err == nil {
		h := head.Hash()
		ar.Head = &h
	}

	if err := ar.Encode(w); err != nil {
		return Errorf(packhouse.ErrCancelled, "advertisement aborted: %s", err)
	}
	return nil
}

/*
	The capability sets announced per service are exactly what the RPC
	implementations honor -- advertising more would invite clients to
	negotiate features we'd then have to refuse mid-stream.
*/
func (e *Engine) setCapabilities(list *capability.List, svc packhouse.Service) error {
	if err := list.Set(capability.Agent, e.agent()); err != nil {
		return err
	}
	if err := list.Set(capability.OFSDelta); err != nil {
		return err
	}
	if svc == packhouse.ReceivePack {
		if err := list.Set(capability.ReportStatus); err != nil {
			return err
		}
		if err := list.Set(capability.DeleteRefs); err != nil {
			return err
		}
	}
	return nil
}

/*
	Emit a protocol-level error frame (`ERR <msg>` pkt-line).

	This is the smart-HTTP convention for failures discovered after the
	HTTP layer has already committed to a 200 status: the error travels
	inside the body, where protocol-aware clients surface it.
*/
func WriteErrorFrame(w io.Writer, err error) error {
	return pktline.NewEncoder(w).Encodef("ERR %s\n", err)
}

package smarthttp

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	. "github.com/warpfork/go-errcat"

	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/format/packfile"
	"gopkg.in/src-d/go-git.v4/plumbing/protocol/packp"
	"gopkg.in/src-d/go-git.v4/plumbing/storer"
	gitioutil "gopkg.in/src-d/go-git.v4/utils/ioutil"

	"go.polydawn.net/packhouse"
)

/*
	Serve one stateless receive-pack RPC: decode the client's ref-update
	commands plus trailing pack stream, index the pack into object storage,
	then apply the commands under the repository's advisory lock, and
	report per-command status.

	Ordering is the integrity story here: the pack is fully indexed before
	any ref moves, so a half-received push (client disconnect, disk error)
	leaves at worst unreferenced objects behind and never a visible
	partial update.  Stale old-value preconditions fail per-ref inside the
	report -- by the time we know, the HTTP layer has committed to 200,
	which is exactly what the smart-HTTP convention calls for.

	May return errors of category:

	  - `packhouse.ErrProtocol` -- malformed command/pack framing
	  - `packhouse.ErrStorage` -- unreadable/unwritable repository storage
	  - `packhouse.ErrCancelled` -- client went away mid-transaction
*/
func (e *Engine) ReceivePack(ctx context.Context, repo Repository, body io.Reader, w io.Writer) error {
	req := packp.NewReferenceUpdateRequest()
	if err := req.Decode(gitioutil.NewContextReader(ctx, body)); err != nil {
		return Errorf(packhouse.ErrProtocol, "malformed receive-pack request: %s", err)
	}

	release := repo.Lock()
	defer release()

	st, err := repo.Storer()
	if err != nil {
		return err
	}

	report := packp.NewReportStatus()
	report.UnpackStatus = "ok"

	if req.Packfile != nil {
		if err := indexPack(ctx, st, req.Packfile); err != nil {
			if ctx.Err() != nil {
				return Errorf(packhouse.ErrCancelled, "receive-pack cancelled mid-pack: %s", err)
			}
			report.UnpackStatus = err.Error()
			for _, cmd := range req.Commands {
				report.CommandStatuses = append(report.CommandStatuses, &packp.CommandStatus{
					ReferenceName: cmd.Name,
					Status:        "unpack failed",
				})
			}
			return encodeReport(report, w)
		}
	}
	// A cancelled session must not make any of its updates visible.
	if err := ctx.Err(); err != nil {
		return Errorf(packhouse.ErrCancelled, "receive-pack cancelled before ref update: %s", err)
	}

	for _, cmd := range req.Commands {
		status := "ok"
		if err := applyCommand(st, cmd); err != nil {
			status = err.Error()
		}
		report.CommandStatuses = append(report.CommandStatuses, &packp.CommandStatus{
			ReferenceName: cmd.Name,
			Status:        status,
		})
	}
	return encodeReport(report, w)
}

/*
	Index an incoming pack stream into object storage.

	Empty packs are valid (a push that only moves or deletes refs sends
	either no pack or a zero-object pack); we recognize them from the
	object count in the pack header and skip go-git's parser, which
	refuses zero-object input.
*/
func indexPack(ctx context.Context, st storer.Storer, pack io.ReadCloser) (err error) {
	defer gitioutil.CheckClose(pack, &err)
	r := gitioutil.NewContextReader(ctx, pack)

	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil // no pack section at all
		}
		return Errorf(packhouse.ErrProtocol, "short pack header: %s", err)
	}
	if !bytes.Equal(hdr[:4], []byte("PACK")) {
		return Errorf(packhouse.ErrProtocol, "pack stream missing PACK signature")
	}
	if n := binary.BigEndian.Uint32(hdr[8:]); n == 0 {
		_, err := io.Copy(io.Discard, r) // drain the trailing checksum
		return err
	}

	err = packfile.UpdateObjectStorage(st, io.MultiReader(bytes.NewReader(hdr[:]), r))
	switch err {
	case nil, packfile.ErrEmptyPackfile:
		return nil
	default:
		return Errorf(packhouse.ErrStorage, "could not index pack: %s", err)
	}
}

/*
	Apply a single ref-update command against ref storage.  The returned
	error's message is the per-ref status reason sent back to the client;
	"stale info" is what git itself says for an old-value mismatch.
*/
func applyCommand(st storer.Storer, cmd *packp.Command) error {
	switch cmd.Action() {
	case packp.Create:
		if _, err := st.Reference(cmd.Name); err == nil {
			return Errorf(packhouse.ErrProtocol, "reference already exists")
		}
		return st.SetReference(plumbing.NewHashReference(cmd.Name, cmd.New))
	case packp.Delete:
		cur, err := st.Reference(cmd.Name)
		if err != nil {
			return Errorf(packhouse.ErrProtocol, "no such reference")
		}
		if cur.Hash() != cmd.Old {
			return Errorf(packhouse.ErrProtocol, "stale info")
		}
		return st.RemoveReference(cmd.Name)
	case packp.Update:
		cur, err := st.Reference(cmd.Name)
		if err != nil {
			return Errorf(packhouse.ErrProtocol, "no such reference")
		}
		if cur.Hash() != cmd.Old {
			return Errorf(packhouse.ErrProtocol, "stale info")
		}
		return st.CheckAndSetReference(
			plumbing.NewHashReference(cmd.Name, cmd.New),
			plumbing.NewHashReference(cmd.Name, cmd.Old),
		)
	default:
		return Errorf(packhouse.ErrProtocol, "invalid command")
	}
}

func encodeReport(report *packp.ReportStatus, w io.Writer) error {
	if err := report.Encode(w); err != nil {
		return Errorf(packhouse.ErrCancelled, "receive-pack report aborted: %s", err)
	}
	return nil
}

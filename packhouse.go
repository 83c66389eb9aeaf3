package packhouse

import (
	"strings"

	"github.com/polydawn/refmt/obj/atlas"
)

// A git smart-HTTP service name.
// Serialized on the wire in both the bare form ("upload-pack") and the
// git-CLI form ("git-upload-pack"); we keep the bare form canonical and
// let the transport layer echo whichever spelling the client used.
type Service string

const (
	UploadPack  Service = "upload-pack"   // client fetches/clones; server advertises refs and sends a pack
	ReceivePack Service = "receive-pack" // client pushes; server applies ref commands and indexes a pack
)

/*
	Parse a service name as it appears in a request path or query param.

	Accepts both "upload-pack" and "git-upload-pack" spellings (ditto
	receive-pack); anything else is an `ErrBadRequest`.
*/
func ParseService(raw string) (Service, error) {
	switch Service(strings.TrimPrefix(raw, "git-")) {
	case UploadPack:
		return UploadPack, nil
	case ReceivePack:
		return ReceivePack, nil
	default:
		return "", ErrorfBadService(raw)
	}
}

func (svc Service) String() string {
	return string(svc)
}

/*
	A "union" type of all the kinds of event the packhouse command may emit
	on its output stream when running in a serial format mode.
*/
type (
	Event struct {
		Ready  *Event_Ready  `refmt:"ready,omitempty"`
		Result *Event_Result `refmt:"result,omitempty"`
	}

	/*
		Emitted once when the server has provisioned its repositories
		and begun accepting connections.
	*/
	Event_Ready struct {
		Addr  string   // Address the listener is bound to.
		Repos []string // Names of the repositories provisioned at boot.
	}

	Event_Result struct {
		Error string `refmt:",omitempty"`
	}
)

var Atlas = atlas.MustBuild(
	atlas.BuildEntry(Event{}).StructMap().Autogenerate().Complete(),
	atlas.BuildEntry(Event_Ready{}).StructMap().Autogenerate().Complete(),
	atlas.BuildEntry(Event_Result{}).StructMap().Autogenerate().Complete(),
)

package httpd

import (
	"io"
	"net/http"
)

/*
	ResponseStreamer enforces the envelope ordering contract: status and
	headers are committed exactly once, before any body byte, and are
	immutable afterwards.  Frames are relayed to the transport as soon as
	they're written -- each write is flushed through, and backpressure from
	a slow client propagates to the frame producer because writes simply
	block.  Nothing is buffered here.
*/
type ResponseStreamer struct {
	rw        http.ResponseWriter
	flusher   http.Flusher // nil when the underlying transport can't flush
	committed bool
	wroteBody bool
}

func NewResponseStreamer(rw http.ResponseWriter) *ResponseStreamer {
	f, _ := rw.(http.Flusher)
	return &ResponseStreamer{rw: rw, flusher: f}
}

/*
	Commit the status code and headers.  Repeat calls are no-ops: the
	envelope is sealed by whichever commit lands first.
*/
func (s *ResponseStreamer) Commit(status int, header map[string]string) {
	if s.committed {
		return
	}
	for k, v := range header {
		s.rw.Header().Set(k, v)
	}
	s.rw.WriteHeader(status)
	s.committed = true
}

func (s *ResponseStreamer) Write(p []byte) (int, error) {
	if !s.committed {
		s.Commit(http.StatusOK, nil)
	}
	n, err := s.rw.Write(p)
	if n > 0 {
		s.wroteBody = true
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return n, err
}

/*
	Commit the envelope, then run the body producer against this streamer.
	The producer's writes become response frames; its error (if any) is
	returned for the caller to fold into the body per protocol convention,
	since by then the status is long gone.
*/
func (s *ResponseStreamer) Serve(status int, header map[string]string, body func(io.Writer) error) error {
	s.Commit(status, header)
	return body(s)
}

func (s *ResponseStreamer) Committed() bool {
	return s.committed
}

func (s *ResponseStreamer) BodyStarted() bool {
	return s.wroteBody
}

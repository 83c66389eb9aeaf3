package httpd

import (
	"bytes"
	"compress/gzip"
	"crypto/sha1"
	"encoding/binary"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/format/pktline"

	"go.polydawn.net/packhouse/smarthttp"
	"go.polydawn.net/packhouse/store"
	"go.polydawn.net/packhouse/testutil"
)

func newTestHandler(t *testing.T, tmpDir string) (*Handler, *store.Store) {
	s, err := store.NewStore(tmpDir)
	if err != nil {
		t.Fatalf("store setup: %s", err)
	}
	if _, err := s.Ensure("repos1"); err != nil {
		t.Fatalf("repo setup: %s", err)
	}
	return NewHandler(s, smarthttp.NewEngine(), "/git"), s
}

func refUpdateBody(old, new plumbing.Hash, refName string) *bytes.Buffer {
	var body bytes.Buffer
	pe := pktline.NewEncoder(&body)
	pe.Encodef("%s %s %s\x00report-status\n", old, new, refName)
	pe.Flush()
	hdr := make([]byte, 12)
	copy(hdr, "PACK")
	binary.BigEndian.PutUint32(hdr[4:], 2)
	binary.BigEndian.PutUint32(hdr[8:], 0)
	sum := sha1.Sum(hdr)
	body.Write(hdr)
	body.Write(sum[:])
	return &body
}

func TestServeAdvertisement(t *testing.T) {
	Convey("Given a server over a store with one empty repository", t, func() {
		testutil.WithTmpdir(func(tmpDir string) {
			h, _ := newTestHandler(t, tmpDir)
			ts := httptest.NewServer(h)
			defer ts.Close()

			Convey("GET info/refs answers 200 with a well-formed advertisement", func() {
				resp, err := http.Get(ts.URL + "/git/repos1/info/refs?service=upload-pack")
				So(err, ShouldBeNil)
				defer resp.Body.Close()

				So(resp.StatusCode, ShouldEqual, 200)
				So(resp.Header.Get("Content-Type"), ShouldEqual, "application/x-upload-pack-advertisement")

				body, err := ioutil.ReadAll(resp.Body)
				So(err, ShouldBeNil)
				So(string(body), ShouldStartWith, "001a# service=upload-pack\n0000")
				So(strings.HasSuffix(string(body), "0000"), ShouldBeTrue)
				So(string(body), ShouldContainSubstring, "capabilities^{}")
				So(string(body), ShouldNotContainSubstring, "refs/")
			})

			Convey("The git-prefixed spelling is echoed in announcement and content type", func() {
				resp, err := http.Get(ts.URL + "/git/repos1/info/refs?service=git-upload-pack")
				So(err, ShouldBeNil)
				defer resp.Body.Close()

				So(resp.Header.Get("Content-Type"), ShouldEqual, "application/x-git-upload-pack-advertisement")
				body, _ := ioutil.ReadAll(resp.Body)
				So(string(body), ShouldContainSubstring, "# service=git-upload-pack\n")
			})

			Convey("GET info/refs without a service parameter answers 400", func() {
				resp, err := http.Get(ts.URL + "/git/repos1/info/refs")
				So(err, ShouldBeNil)
				resp.Body.Close()
				So(resp.StatusCode, ShouldEqual, 400)
			})

			Convey("Requests for unknown repositories answer 404", func() {
				resp, err := http.Get(ts.URL + "/git/ghost/info/refs?service=upload-pack")
				So(err, ShouldBeNil)
				resp.Body.Close()
				So(resp.StatusCode, ShouldEqual, 404)
			})
		})
	})
}

func TestServeReceivePack(t *testing.T) {
	Convey("Given a server over a store with one empty repository", t, func() {
		testutil.WithTmpdir(func(tmpDir string) {
			h, s := newTestHandler(t, tmpDir)
			ts := httptest.NewServer(h)
			defer ts.Close()
			newID := plumbing.NewHash("1234567890123456789012345678901234567890")

			Convey("A push creating a ref answers 200 and the ref becomes visible", func() {
				resp, err := http.Post(
					ts.URL+"/git/repos1/receive-pack",
					"application/x-receive-pack-request",
					refUpdateBody(plumbing.ZeroHash, newID, "refs/heads/main"),
				)
				So(err, ShouldBeNil)
				defer resp.Body.Close()

				So(resp.StatusCode, ShouldEqual, 200)
				So(resp.Header.Get("Content-Type"), ShouldEqual, "application/x-receive-pack-result")
				body, _ := ioutil.ReadAll(resp.Body)
				So(string(body), ShouldContainSubstring, "unpack ok")
				So(string(body), ShouldContainSubstring, "ok refs/heads/main")

				Convey("And the subsequent advertisement lists it", func() {
					resp, err := http.Get(ts.URL + "/git/repos1/info/refs?service=receive-pack")
					So(err, ShouldBeNil)
					defer resp.Body.Close()
					adv, _ := ioutil.ReadAll(resp.Body)
					So(string(adv), ShouldContainSubstring, newID.String()+" refs/heads/main")
				})
			})

			Convey("A gzip-compressed push body is transparently unwrapped", func() {
				var zbody bytes.Buffer
				zw := gzip.NewWriter(&zbody)
				zw.Write(refUpdateBody(plumbing.ZeroHash, newID, "refs/heads/main").Bytes())
				So(zw.Close(), ShouldBeNil)

				req, err := http.NewRequest("POST", ts.URL+"/git/repos1/receive-pack", &zbody)
				So(err, ShouldBeNil)
				req.Header.Set("Content-Type", "application/x-receive-pack-request")
				req.Header.Set("Content-Encoding", "gzip")
				resp, err := http.DefaultClient.Do(req)
				So(err, ShouldBeNil)
				defer resp.Body.Close()

				So(resp.StatusCode, ShouldEqual, 200)
				body, _ := ioutil.ReadAll(resp.Body)
				So(string(body), ShouldContainSubstring, "ok refs/heads/main")

				repo, err := s.Resolve("repos1")
				So(err, ShouldBeNil)
				st, err := repo.Storer()
				So(err, ShouldBeNil)
				ref, err := st.Reference("refs/heads/main")
				So(err, ShouldBeNil)
				So(ref.Hash(), ShouldEqual, newID)
			})

			Convey("An unsupported content encoding answers 400", func() {
				req, _ := http.NewRequest("POST", ts.URL+"/git/repos1/receive-pack",
					refUpdateBody(plumbing.ZeroHash, newID, "refs/heads/main"))
				req.Header.Set("Content-Type", "application/x-receive-pack-request")
				req.Header.Set("Content-Encoding", "br")
				resp, err := http.DefaultClient.Do(req)
				So(err, ShouldBeNil)
				resp.Body.Close()
				So(resp.StatusCode, ShouldEqual, 400)
			})

			Convey("A mismatched content type answers 400", func() {
				resp, err := http.Post(
					ts.URL+"/git/repos1/receive-pack",
					"application/octet-stream",
					refUpdateBody(plumbing.ZeroHash, newID, "refs/heads/main"),
				)
				So(err, ShouldBeNil)
				resp.Body.Close()
				So(resp.StatusCode, ShouldEqual, 400)
			})
		})
	})
}

func TestServePathHygiene(t *testing.T) {
	Convey("Hostile paths are rejected with 400 before touching the store", t, func() {
		testutil.WithTmpdir(func(tmpDir string) {
			h, _ := newTestHandler(t, tmpDir)

			for _, pth := range []string{
				"/git/../repos1/info/refs",
				"/git/..%2Frepos1/info/refs",
				"/git//info/refs",
				"/git/re..po/info/refs",
			} {
				req := httptest.NewRequest("GET", pth+"?service=upload-pack", nil)
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, req)
				So(rec.Code, ShouldEqual, 400)
			}
		})
	})
}

func TestServeCreateOnDemand(t *testing.T) {
	Convey("With Create set, a push provisions the repository on first contact", t, func() {
		testutil.WithTmpdir(func(tmpDir string) {
			h, s := newTestHandler(t, tmpDir)
			h.Create = true
			ts := httptest.NewServer(h)
			defer ts.Close()

			newID := plumbing.NewHash("1234567890123456789012345678901234567890")
			resp, err := http.Post(
				ts.URL+"/git/fresh/receive-pack",
				"application/x-receive-pack-request",
				refUpdateBody(plumbing.ZeroHash, newID, "refs/heads/main"),
			)
			So(err, ShouldBeNil)
			defer resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, 200)

			repo, err := s.Resolve("fresh")
			So(err, ShouldBeNil)
			st, err := repo.Storer()
			So(err, ShouldBeNil)
			ref, err := st.Reference("refs/heads/main")
			So(err, ShouldBeNil)
			So(ref.Hash(), ShouldEqual, newID)
		})
	})
}

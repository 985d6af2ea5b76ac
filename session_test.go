package was_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pfirsich/cm4all-libwas/internal/testpeer"
	"github.com/pfirsich/cm4all-libwas/internal/wire"

	was "github.com/pfirsich/cm4all-libwas"
)

// newSession wires a fresh Session to a fabricated peer, returning both so
// the test can drive them from two goroutines via an errgroup, exactly the
// way a real web server and worker process interleave over independent
// kernel objects. require/t.Fatal are only safe from the goroutine running
// the test itself, so every g.Go closure below reports failure by
// returning an error instead, and assertions happen after g.Wait().
func newSession(t *testing.T) (*was.Session, *testpeer.Peer) {
	t.Helper()
	peer, fds, err := testpeer.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })

	sess, err := was.NewWithFDs(fds.ControlFD, fds.InputFD, fds.OutputFD)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Free() })
	return sess, peer
}

func sendGetNoBody(peer *testpeer.Peer, uri string) error {
	if err := peer.SendPacket(wire.Packet{Command: wire.CmdRequest}); err != nil {
		return err
	}
	if err := peer.SendPacket(wire.Packet{Command: wire.CmdMethod, Payload: wire.PutUint32(uint32(was.MethodGet))}); err != nil {
		return err
	}
	if err := peer.SendPacket(wire.Packet{Command: wire.CmdURI, Payload: []byte(uri)}); err != nil {
		return err
	}
	return peer.SendPacket(wire.Packet{Command: wire.CmdNoData})
}

func expectPacket(peer *testpeer.Peer, want wire.Command) (wire.Packet, error) {
	pkt, err := peer.RecvPacket()
	if err != nil {
		return pkt, err
	}
	if pkt.Command != want {
		return pkt, fmt.Errorf("expected %v, got %v", want, pkt.Command)
	}
	return pkt, nil
}

// Scenario 1: GET with no body ends in a 204 with no data.
func TestAcceptNoBodyThenEnd204(t *testing.T) {
	sess, peer := newSession(t)

	var g errgroup.Group
	g.Go(func() error { return sendGetNoBody(peer, "/") })
	g.Go(func() error {
		uri, err := sess.Accept()
		if err != nil {
			return err
		}
		if uri != "/" {
			return fmt.Errorf("got uri %q", uri)
		}
		if sess.Request().Method() != was.MethodGet {
			return fmt.Errorf("got method %v", sess.Request().Method())
		}
		return sess.End()
	})
	require.NoError(t, g.Wait())

	status, err := expectPacket(peer, wire.CmdStatus)
	require.NoError(t, err)
	code, err := wire.Uint16(status.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 204, code)

	_, err = expectPacket(peer, wire.CmdNoData)
	require.NoError(t, err)
}

// Scenario 2: POST with a declared length is echoed back with matching
// STATUS, LENGTH, DATA and the exact body bytes.
func TestEchoKnownLength(t *testing.T) {
	sess, peer := newSession(t)
	body := []byte("hello")

	var g errgroup.Group
	g.Go(func() error {
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdRequest}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdMethod, Payload: wire.PutUint32(uint32(was.MethodPost))}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdURI, Payload: []byte("/echo")}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdHeader, Payload: wire.PutNameValue("Content-Type", "text/plain")}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdLength, Payload: wire.PutUint64(uint64(len(body)))}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdData}); err != nil {
			return err
		}
		_, err := peer.WriteInput(body)
		return err
	})

	var read []byte
	var gotContentType string
	g.Go(func() error {
		uri, err := sess.Accept()
		if err != nil {
			return err
		}
		if uri != "/echo" {
			return fmt.Errorf("got uri %q", uri)
		}
		gotContentType = sess.Request().GetHeader("Content-Type")

		buf := make([]byte, 16)
		for {
			n, err := sess.Read(buf)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			read = append(read, buf[:n]...)
		}
		if err := sess.Status(200); err != nil {
			return err
		}
		if err := sess.SetLength(uint64(len(body))); err != nil {
			return err
		}
		if _, err := sess.Write(body); err != nil {
			return err
		}
		return sess.End()
	})
	require.NoError(t, g.Wait())
	assert.Equal(t, "text/plain", gotContentType)
	assert.Equal(t, body, read)

	status, err := expectPacket(peer, wire.CmdStatus)
	require.NoError(t, err)
	code, _ := wire.Uint16(status.Payload)
	assert.EqualValues(t, 200, code)

	length, err := expectPacket(peer, wire.CmdLength)
	require.NoError(t, err)
	n, _ := wire.Uint64(length.Payload)
	assert.EqualValues(t, len(body), n)

	_, err = expectPacket(peer, wire.CmdData)
	require.NoError(t, err)

	out := make([]byte, len(body))
	_, err = peer.ReadOutput(out)
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

// Scenario 3: the application closes the input stream mid-body; the core
// asks the peer to STOP, drains until PREMATURE, and subsequent reads
// report end of body.
func TestInputCloseMidStream(t *testing.T) {
	sess, peer := newSession(t)
	const declared = 1_000_000
	const sent = 100

	var g errgroup.Group
	g.Go(func() error {
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdRequest}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdMethod, Payload: wire.PutUint32(uint32(was.MethodPost))}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdURI, Payload: []byte("/upload")}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdLength, Payload: wire.PutUint64(declared)}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdData}); err != nil {
			return err
		}
		if _, err := peer.WriteInput(make([]byte, sent)); err != nil {
			return err
		}
		if _, err := expectPacket(peer, wire.CmdStop); err != nil {
			return err
		}
		return peer.SendPacket(wire.Packet{Command: wire.CmdPremature, Payload: wire.PutUint64(sent)})
	})

	var firstRead, secondRead int
	g.Go(func() error {
		if _, err := sess.Accept(); err != nil {
			return err
		}

		buf := make([]byte, 50)
		n, err := sess.Read(buf)
		if err != nil {
			return err
		}
		firstRead = n

		if err := sess.InputClose(); err != nil {
			return err
		}

		n, err = sess.Read(buf)
		if err != nil {
			return err
		}
		secondRead = n
		return nil
	})
	require.NoError(t, g.Wait())
	assert.Equal(t, 50, firstRead)
	assert.Equal(t, 0, secondRead)
}

// Scenario 4: aborting after a partial response emits PREMATURE with the
// count of bytes actually sent.
func TestAbortAfterPartialResponse(t *testing.T) {
	sess, peer := newSession(t)

	var g errgroup.Group
	g.Go(func() error { return sendGetNoBody(peer, "/partial") })
	g.Go(func() error {
		if _, err := sess.Accept(); err != nil {
			return err
		}
		if err := sess.Status(200); err != nil {
			return err
		}
		if _, err := sess.Write([]byte("0123456789")); err != nil {
			return err
		}
		return sess.Abort()
	})
	require.NoError(t, g.Wait())

	_, err := expectPacket(peer, wire.CmdStatus)
	require.NoError(t, err)

	_, err = expectPacket(peer, wire.CmdData)
	require.NoError(t, err)

	out := make([]byte, 10)
	_, err = peer.ReadOutput(out)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), out)

	premature, err := expectPacket(peer, wire.CmdPremature)
	require.NoError(t, err)
	off, _ := wire.Uint64(premature.Payload)
	assert.EqualValues(t, 10, off)
}

// Scenario 5: a METRIC packet round-trips name and an IEEE-754 float.
func TestMetricRoundTrip(t *testing.T) {
	sess, peer := newSession(t)

	var g errgroup.Group
	g.Go(func() error {
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdRequest}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdURI, Payload: []byte("/m")}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdMetric}); err != nil {
			return err
		}
		return peer.SendPacket(wire.Packet{Command: wire.CmdNoData})
	})
	var wantedMetrics bool
	g.Go(func() error {
		if _, err := sess.Accept(); err != nil {
			return err
		}
		wantedMetrics = sess.Request().WantMetrics()
		if err := sess.Metric("latency_ms", 12.5); err != nil {
			return err
		}
		return sess.End()
	})
	require.NoError(t, g.Wait())
	assert.True(t, wantedMetrics)

	metric, err := expectPacket(peer, wire.CmdMetric)
	require.NoError(t, err)
	name, value, err := wire.Metric(metric.Payload)
	require.NoError(t, err)
	assert.Equal(t, "latency_ms", name)
	assert.Equal(t, float32(12.5), value)
}

// Scenario 6: the peer closing the control channel makes Accept report
// shutdown exactly once and forever after.
func TestShutdown(t *testing.T) {
	sess, peer := newSession(t)
	require.NoError(t, peer.Close())

	_, err := sess.Accept()
	assert.ErrorIs(t, err, was.ErrShutdown)

	_, err = sess.Accept()
	assert.ErrorIs(t, err, was.ErrShutdown)
}

// Status exclusivity: a second Status call, or any call after headers or a
// body byte, fails.
func TestStatusExclusivity(t *testing.T) {
	sess, peer := newSession(t)

	var g errgroup.Group
	g.Go(func() error { return sendGetNoBody(peer, "/") })
	var secondErr error
	g.Go(func() error {
		if _, err := sess.Accept(); err != nil {
			return err
		}
		if err := sess.Status(200); err != nil {
			return err
		}
		secondErr = sess.Status(201)
		return sess.End()
	})
	require.NoError(t, g.Wait())
	assert.ErrorIs(t, secondErr, was.ErrMisuse)
}

// Forbidden headers: Content-Length and hop-by-hop names are rejected from
// SetHeader; SetLength is the only path to declare a body length.
func TestForbiddenHeaders(t *testing.T) {
	sess, peer := newSession(t)

	var g errgroup.Group
	g.Go(func() error { return sendGetNoBody(peer, "/") })
	var lengthErr, connErr, teErr error
	g.Go(func() error {
		if _, err := sess.Accept(); err != nil {
			return err
		}
		lengthErr = sess.SetHeader("Content-Length", "5")
		connErr = sess.SetHeader("Connection", "close")
		teErr = sess.SetHeader("Transfer-Encoding", "chunked")
		return sess.End()
	})
	require.NoError(t, g.Wait())
	assert.ErrorIs(t, lengthErr, was.ErrMisuse)
	assert.ErrorIs(t, connErr, was.ErrMisuse)
	assert.ErrorIs(t, teErr, was.ErrMisuse)
}

// Request isolation: after Accept returns a second request, nothing of the
// first request's headers is observable.
func TestRequestIsolation(t *testing.T) {
	sess, peer := newSession(t)

	var g errgroup.Group
	g.Go(func() error {
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdRequest}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdURI, Payload: []byte("/one")}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdHeader, Payload: wire.PutNameValue("X-First", "yes")}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdNoData}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdRequest}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdURI, Payload: []byte("/two")}); err != nil {
			return err
		}
		return peer.SendPacket(wire.Packet{Command: wire.CmdNoData})
	})
	var firstURI, secondURI, leakedHeader string
	g.Go(func() error {
		uri, err := sess.Accept()
		if err != nil {
			return err
		}
		firstURI = uri

		uri, err = sess.Accept()
		if err != nil {
			return err
		}
		secondURI = uri
		leakedHeader = sess.Request().GetHeader("X-First")
		return sess.End()
	})
	require.NoError(t, g.Wait())
	assert.Equal(t, "/one", firstURI)
	assert.Equal(t, "/two", secondURI)
	assert.Equal(t, "", leakedHeader)
}

// Iterator independence: two header iterators over the same request return
// independent complete sequences and are unaffected by freeing one.
func TestIteratorIndependence(t *testing.T) {
	sess, peer := newSession(t)

	var g errgroup.Group
	g.Go(func() error {
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdRequest}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdURI, Payload: []byte("/h")}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdHeader, Payload: wire.PutNameValue("X-A", "1")}); err != nil {
			return err
		}
		if err := peer.SendPacket(wire.Packet{Command: wire.CmdHeader, Payload: wire.PutNameValue("X-B", "2")}); err != nil {
			return err
		}
		return peer.SendPacket(wire.Packet{Command: wire.CmdNoData})
	})
	var count int
	g.Go(func() error {
		if _, err := sess.Accept(); err != nil {
			return err
		}

		it1 := sess.Request().HeaderIterator()
		it2 := sess.Request().HeaderIterator()
		it1.Free()

		for {
			_, _, ok := it2.Next()
			if !ok {
				break
			}
			count++
		}
		return sess.End()
	})
	require.NoError(t, g.Wait())
	assert.Equal(t, 2, count)
}

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	was "github.com/pfirsich/cm4all-libwas"
	"github.com/pfirsich/cm4all-libwas/internal/testpeer"
	"github.com/pfirsich/cm4all-libwas/internal/wire"
)

// newSelftestCmd drives a Session against a fabricated peer in-process,
// for operators who want to sanity-check a build without wiring up a real
// web server. The peer and the Session's serve loop run on independent
// goroutines coordinated by an errgroup, standing in for the two separate
// processes a real deployment would have.
func newSelftestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Exercise one request/response cycle against an in-process fake peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.New()
			log.SetLevel(logrus.InfoLevel)

			peer, fds, err := testpeer.New()
			if err != nil {
				return err
			}
			defer peer.Close()

			sess, err := was.NewWithFDs(fds.ControlFD, fds.InputFD, fds.OutputFD,
				was.WithLogger(logrus.NewEntry(log)))
			if err != nil {
				return err
			}
			defer sess.Free()

			var g errgroup.Group
			g.Go(func() error { return drivePeer(peer) })
			g.Go(func() error {
				entry := log.WithField("request_id", "selftest")
				uri, err := sess.Accept()
				if err != nil {
					return err
				}
				entry.Infof("accepted %s", uri)
				if err := handleRequest(sess, entry); err != nil {
					return err
				}
				_, err = sess.Accept()
				if err != was.ErrShutdown {
					return fmt.Errorf("expected shutdown after one request, got %v", err)
				}
				return nil
			})
			if err := g.Wait(); err != nil {
				return err
			}
			fmt.Println("selftest: one request/response cycle completed successfully")
			return nil
		},
	}
}

// drivePeer plays the part of the web server: it sends one POST with a
// known-length body, reads back the echoed response, and closes the
// control channel so the worker's next Accept reports shutdown.
func drivePeer(peer *testpeer.Peer) error {
	body := []byte("selftest body")
	send := func(p wire.Packet) error { return peer.SendPacket(p) }

	if err := send(wire.Packet{Command: wire.CmdRequest}); err != nil {
		return err
	}
	if err := send(wire.Packet{Command: wire.CmdMethod, Payload: wire.PutUint32(uint32(was.MethodPost))}); err != nil {
		return err
	}
	if err := send(wire.Packet{Command: wire.CmdURI, Payload: []byte("/selftest")}); err != nil {
		return err
	}
	if err := send(wire.Packet{Command: wire.CmdLength, Payload: wire.PutUint64(uint64(len(body)))}); err != nil {
		return err
	}
	if err := send(wire.Packet{Command: wire.CmdData}); err != nil {
		return err
	}
	if _, err := peer.WriteInput(body); err != nil {
		return err
	}

	for _, want := range []wire.Command{wire.CmdStatus, wire.CmdHeader, wire.CmdLength, wire.CmdData} {
		pkt, err := peer.RecvPacket()
		if err != nil {
			return err
		}
		if pkt.Command != want {
			return fmt.Errorf("selftest: expected %v, got %v", want, pkt.Command)
		}
	}
	out := make([]byte, len(body))
	if _, err := peer.ReadOutput(out); err != nil {
		return err
	}
	if string(out) != string(body) {
		return fmt.Errorf("selftest: echoed body %q does not match %q", out, body)
	}
	return peer.Close()
}

package nsq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectorReplaysSubscription(t *testing.T) {
	// every accepted connection reports its command sequence on sessions
	type session struct {
		cmds chan serverCmd
	}
	sessions := make(chan *session, 4)

	srv := startFakeNSQD(t, func(s *serverConn) {
		sess := &session{cmds: make(chan serverCmd, 64)}
		sessions <- sess
		if !s.handshake(nil) {
			return
		}
		for {
			cmd, ok := s.nextCommand()
			if !ok {
				return
			}
			sess.cmds <- cmd
			switch cmd.Verb {
			case "SUB":
				s.writeResponse("OK")
			case "CLS":
				s.writeResponse("CLOSE_WAIT")
			}
		}
	})

	cfg := testConfig()
	r := NewReconnector(srv.addr, cfg)
	require.NoError(t, r.Connect())
	defer r.Stop()

	require.NoError(t, r.Subscribe("t", "c", 2))
	assert.Equal(t, StateSubscribed, r.State())

	first := <-sessions
	assert.Equal(t, "SUB t c", (<-first.cmds).String())
	assert.Equal(t, "RDY 2", (<-first.cmds).String())

	// sever the transport; the supervisor must re-dial, re-IDENTIFY, and
	// replay SUB then RDY with the recorded values
	start := time.Now()
	srv.dropClients()

	var second *session
	select {
	case second = <-sessions:
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect attempt")
	}

	assert.Equal(t, "SUB t c", (<-second.cmds).String())
	assert.Equal(t, "RDY 2", (<-second.cmds).String())
	assert.Greater(t, time.Since(start), cfg.ReconnectInitialDelay/2)

	waitFor(t, time.Second, func() bool { return r.State() == StateSubscribed })
}

func TestReconnectorExecuteWaitsOutReconnect(t *testing.T) {
	srv := startFakeNSQD(t, func(s *serverConn) {
		if !s.handshake(nil) {
			return
		}
		for {
			cmd, ok := s.nextCommand()
			if !ok {
				return
			}
			if cmd.Verb == "PUB" {
				s.writeResponse("OK")
			}
		}
	})

	r := NewReconnector(srv.addr, testConfig())
	require.NoError(t, r.Connect())
	defer r.Stop()

	srv.dropClients()
	time.Sleep(20 * time.Millisecond)

	// issued after the failure: sees the command on the new socket
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := r.Execute(ctx, Publish("t", []byte("late")))
	require.NoError(t, err)
	assert.Equal(t, []byte("OK"), data)
}

func TestReconnectorAutoReconnectDisabled(t *testing.T) {
	srv := startFakeNSQD(t, func(s *serverConn) {
		if !s.handshake(nil) {
			return
		}
		for {
			if _, ok := s.nextCommand(); !ok {
				return
			}
		}
	})

	cfg := testConfig()
	cfg.AutoReconnect = false
	r := NewReconnector(srv.addr, cfg)
	require.NoError(t, r.Connect())

	srv.dropClients()

	select {
	case _, ok := <-r.Messages():
		assert.False(t, ok, "message channel should close, not deliver")
	case <-time.After(2 * time.Second):
		t.Fatal("message channel never closed")
	}
	assert.Equal(t, StateClosed, r.State())
}

func TestReconnectorInitialDialFailure(t *testing.T) {
	srv := startFakeNSQD(t, func(s *serverConn) {})
	addr := srv.addr
	srv.Close()

	r := NewReconnector(addr, testConfig())
	err := r.Connect()
	require.Error(t, err)
	var ce *ConnectionError
	assert.ErrorAs(t, err, &ce)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

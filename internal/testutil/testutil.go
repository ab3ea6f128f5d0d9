// Package testutil holds helpers shared by tests that spawn real processes
// and talk over loopback sockets. It is not used by production code.
package testutil

import (
	"net"
	"testing"
	"time"

	"gotest.tools/assert"
)

// TCPPair returns both ends of a fresh loopback TCP connection.
func TCPPair(t *testing.T) (server net.Conn, client *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	c, err := net.Dial("tcp", ln.Addr().String())
	assert.NilError(t, err)
	server, ok := <-accepted
	assert.Assert(t, ok, "accept failed")
	return server, c.(*net.TCPConn)
}

// WaitFor polls cond for up to three seconds.
func WaitFor(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// WaitGone waits until pid no longer runs.
func WaitGone(pid int) bool {
	return WaitFor(func() bool { return !Alive(pid) })
}

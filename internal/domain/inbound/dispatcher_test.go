package inbound

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := NewDispatcher(DispatcherConfig{Host: "127.0.0.1", ShutdownTimeout: 2 * time.Second}, &mockMessages{}, zerolog.Nop())
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return d
}

func TestDispatcher_SharesPort(t *testing.T) {
	d := newTestDispatcher(t)
	port := freePort(t)

	first := testConnector(1, cubex)
	first.Port = port
	branch := cubex
	branch.ReceivingFacility = "Branch"
	second := testConnector(2, branch)
	second.Port = port

	if err := d.Listen(first, acceptApp(), testUser); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if err := d.Listen(second, acceptApp(), testUser); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if len(d.routers) != 1 {
		t.Fatalf("expected one router, got %d", len(d.routers))
	}
	if got := len(d.Statistics()); got != 2 {
		t.Fatalf("expected statistics for 2 connectors, got %d", got)
	}

	d.Stop(first)
	if len(d.routers) != 1 {
		t.Fatal("expected the router to keep running for the remaining connector")
	}

	d.Stop(second)
	if len(d.routers) != 0 {
		t.Fatal("expected the router to stop with its last connector")
	}
	if conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 500*time.Millisecond); err == nil {
		conn.Close()
		t.Error("expected the port to be released")
	}
}

func TestDispatcher_DuplicateIdentity(t *testing.T) {
	d := newTestDispatcher(t)
	port := freePort(t)

	first := testConnector(1, cubex)
	first.Port = port
	second := testConnector(2, cubex)
	second.Port = port

	if err := d.Listen(first, acceptApp(), testUser); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if err := d.Listen(second, acceptApp(), testUser); !errors.Is(err, ErrConnectorRegistered) {
		t.Fatalf("expected ErrConnectorRegistered, got %v", err)
	}
	if len(d.Statistics()) != 1 {
		t.Error("expected only the first connector to be registered")
	}
}

func TestDispatcher_ListenFailure(t *testing.T) {
	d := newTestDispatcher(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	c := testConnector(1, cubex)
	c.Port = ln.Addr().(*net.TCPAddr).Port
	if err := d.Listen(c, acceptApp(), testUser); err == nil {
		t.Fatal("expected an error when the port is in use")
	}
	if len(d.routers) != 0 || len(d.Statistics()) != 0 {
		t.Error("expected nothing to be registered")
	}
}

func TestDispatcher_InvalidConnector(t *testing.T) {
	d := newTestDispatcher(t)
	c := testConnector(1, cubex)
	c.Port = 0
	if err := d.Listen(c, acceptApp(), testUser); err == nil || !strings.Contains(err.Error(), "invalid port") {
		t.Fatalf("expected invalid port error, got %v", err)
	}
}

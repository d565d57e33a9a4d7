// Package listener runs one TCP listener per configured profile port, each
// accepting connections and dispatching the first request line to either
// the CONNECT engine or the plain request engine.
package listener

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/fwlite/fwlite/internal/connectengine"
	"github.com/fwlite/fwlite/internal/engine"
	"github.com/fwlite/fwlite/internal/wire"
)

// Profile binds one listening port to a numeric policy level, consulted on
// every request routed through it.
type Profile struct {
	Port  int
	Level int
}

// Server owns the N listening ports described by Profiles and dispatches
// every accepted connection to the shared Engine.
type Server struct {
	Engine   *engine.Engine
	Profiles []Profile
	Log      *slog.Logger

	listeners []net.Listener
}

// ListenAndServe opens one net.Listener per profile and serves until ctx is
// canceled or an Accept fails permanently on every port.
func (s *Server) ListenAndServe(ctx context.Context) error {
	for _, p := range s.Profiles {
		lc := net.ListenConfig{}
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(p.Port)))
		if err != nil {
			s.closeAll()
			return err
		}
		s.listeners = append(s.listeners, ln)
		go s.serveProfile(ctx, ln, p)
	}

	<-ctx.Done()
	s.closeAll()
	return ctx.Err()
}

func (s *Server) closeAll() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
}

func (s *Server) serveProfile(ctx context.Context, ln net.Listener, p Profile) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if s.Log != nil {
				s.Log.Warn("accept failed", "port", p.Port, "err", err)
			}
			return
		}
		go s.dispatch(ctx, conn, p.Level)
	}
}

// dispatch reads the first request line off the new connection and routes
// it to the CONNECT engine or the plain request engine.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, level int) {
	connID := engine.NewConnID()
	ctx = engine.WithConnID(ctx, connID)
	if s.Log != nil {
		s.Log.Debug("connection accepted", "conn_id", connID, "remote", conn.RemoteAddr(), "level", level)
	}

	br := bufio.NewReader(conn)
	rl, err := wire.ReadRequestLine(br)
	if err != nil {
		conn.Close()
		return
	}

	if rl.Method == "CONNECT" {
		// The CONNECT engine owns the connection's lifecycle from here,
		// including final close; it never pools the upstream socket.
		defer conn.Close()
		// Headers on a CONNECT request carry no framing the engine
		// needs beyond the target, but must still be drained so any
		// following pipelined bytes aren't misread as headers.
		if _, err := wire.ReadHeaders(br); err != nil {
			return
		}
		connectengine.Handle(ctx, s.Engine, conn, br, rl.Target, level)
		return
	}

	// ServeConnectionReader does not close conn itself (the CONNECT engine
	// needs that for the re-dispatch case), so ownership returns here. The
	// request line already consumed from br above is replayed back in
	// front of it, since a bufio.Reader can't be un-read a whole line at
	// a time.
	defer conn.Close()
	s.Engine.ServeConnectionReader(ctx, conn, prependRequestLine(br, rl), level)
}

// prependRequestLine returns a *bufio.Reader that yields rl's wire bytes
// first, then continues from br, so ServeConnectionReader can re-parse the
// request line it didn't itself read off the wire.
func prependRequestLine(br *bufio.Reader, rl wire.RequestLine) *bufio.Reader {
	line := rl.Method + " " + rl.Target + " " + rl.Version + "\r\n"
	return bufio.NewReader(io.MultiReader(strings.NewReader(line), br))
}

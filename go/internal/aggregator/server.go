package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/slipserver/go/internal/relay"
)

// LineHandler applies one ledger line and returns the protocol error code.
type LineHandler interface {
	HandleLine(line string) byte
}

// Server accepts relay connections from slip servers.
type Server struct {
	handler LineHandler
	timeout time.Duration

	wg sync.WaitGroup
}

// NewServer creates a relay server. timeout bounds each read and write.
func NewServer(handler LineHandler, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = relay.DefaultTimeout
	}
	return &Server{handler: handler, timeout: timeout}
}

// ListenAndServe listens on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then waits for open connections.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log.Info().Str("addr", ln.Addr().String()).Msg("aggregator listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			log.Error().Err(err).Msg("accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// serveConn handles requests until the client closes the connection.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	log.Debug().Str("remote", remote).Msg("client connected")

	for {
		// net deadlines are compared against the wall clock
		if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("failed to set deadline, dropping connection")
			return
		}

		var id [1]byte
		if _, err := io.ReadFull(conn, id[:]); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("remote", remote).Msg("connection closed")
			}
			return
		}
		if id[0] != relay.MessageID {
			log.Warn().Str("remote", remote).Msgf("unknown message id 0x%02X received from client", id[0])
			return
		}

		payload, err := relay.ReadRequestBody(conn)
		if err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("incomplete request")
			return
		}

		line := string(payload)
		log.Info().Str("remote", remote).Str("line", line).Msg("received")

		code := s.handler.HandleLine(line)
		var reply []byte
		if code != relay.CodeNone {
			reply = payload
		}
		if _, err := conn.Write(relay.EncodeResponse(code, reply)); err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("failed to send result")
			return
		}
	}
}

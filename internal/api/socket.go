package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/pkg/jsonrpc"
)

// socketLineMax bounds one NDJSON line; larger requests must use HTTP.
const socketLineMax = 4 << 20

// startSocket listens on the unix socket and serves each connection as a
// bidirectional newline-delimited JSON-RPC stream, stateless per line.
func (s *Server) startSocket(ctx context.Context) error {
	// A previous crash can leave the socket file behind. Only remove it if
	// nothing is accepting on the other side.
	if _, err := os.Stat(s.cfg.UnixSocket); err == nil {
		if conn, err := net.Dial("unix", s.cfg.UnixSocket); err == nil {
			_ = conn.Close()
			return fmt.Errorf("socket %s already in use by a running daemon", s.cfg.UnixSocket)
		}
		_ = os.Remove(s.cfg.UnixSocket)
	}

	ln, err := net.Listen("unix", s.cfg.UnixSocket)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.UnixSocket, 0o600); err != nil {
		s.logger.Warn("socket chmod", zap.Error(err))
	}
	s.socketLn = ln

	go func() {
		s.logger.Info("unix socket listening", zap.String("path", s.cfg.UnixSocket))
		for {
			conn, err := ln.Accept()
			if err != nil {
				// Accept fails permanently once the listener closes.
				return
			}
			s.mu.Lock()
			s.conns[conn] = struct{}{}
			s.mu.Unlock()
			s.wg.Add(1)
			go s.serveSocketConn(ctx, conn)
		}
	}()
	return nil
}

func (s *Server) serveSocketConn(ctx context.Context, conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
	}()

	var writeMu sync.Mutex
	write := func(resp *jsonrpc.Response) {
		encoded, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("encoding response", zap.Error(err))
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := conn.Write(append(encoded, '\n')); err != nil {
			s.logger.Debug("socket write failed", zap.Error(err))
		}
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), socketLineMax)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req jsonrpc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			write(jsonrpc.NewError(nil, jsonrpc.CodeParseError, "parse error: "+err.Error()))
			continue
		}

		// Each line dispatches on its own goroutine so one slow call does
		// not serialize the stream; responses interleave by write lock.
		request := req
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeoutDuration())
			defer cancel()
			resp := s.dispatcher.Dispatch(callCtx, &request)
			if request.IsNotification() {
				return
			}
			write(resp)
		}()
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("socket read ended", zap.Error(err))
	}
}

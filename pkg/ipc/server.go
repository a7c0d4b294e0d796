package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Handler runs one command. The returned value is marshalled as the result.
type Handler func(ctx context.Context, args json.RawMessage) (interface{}, error)

type route struct {
	handler  Handler
	mutating bool
}

// Server answers requests on a unix stream socket. Each connection is served
// by its own goroutine, one request at a time. Mutating commands are
// serialized across all connections.
type Server struct {
	path   string
	routes map[string]route

	mutate sync.Mutex

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func NewServer(path string) *Server {
	return &Server{path: path, routes: make(map[string]route), conns: make(map[net.Conn]struct{})}
}

// Handle registers a read-only command.
func (s *Server) Handle(command string, h Handler) {
	s.routes[command] = route{handler: h}
}

// HandleMutating registers a command that changes daemon state.
func (s *Server) HandleMutating(command string, h Handler) {
	s.routes[command] = route{handler: h, mutating: true}
}

func (s *Server) Commands() []string {
	commands := make([]string, 0, len(s.routes))
	for command := range s.routes {
		commands = append(commands, command)
	}
	sort.Strings(commands)
	return commands
}

// Listen creates the socket with mode 0660. A stale socket file from a
// previous run is replaced, a live one is an error.
func (s *Server) Listen() error {
	if info, err := os.Lstat(s.path); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("%s exists and is not a socket", s.path)
		}
		if conn, err := net.DialTimeout("unix", s.path, time.Second); err == nil {
			conn.Close()
			return fmt.Errorf("socket %s is in use by another process", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return err
		}
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0660); err != nil {
		listener.Close()
		return err
	}
	s.listener = listener
	log.Info().Str("socket", s.path).Msg("control socket listening")
	return nil
}

// Serve accepts connections until ctx is done, then closes every connection
// and removes the socket.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	go func() {
		<-ctx.Done()
		s.listener.Close()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	}()

	var err error
	for {
		var conn net.Conn
		conn, err = s.listener.Accept()
		if err != nil {
			break
		}
		s.mu.Lock()
		if ctx.Err() != nil {
			// accepted while shutting down, the closer may already be done
			s.mu.Unlock()
			conn.Close()
			break
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
	s.wg.Wait()
	os.Remove(s.path)

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	logger := log.With().Str("peer", peerCredentials(conn)).Logger()
	logger.Debug().Msg("control connection opened")
	defer logger.Debug().Msg("control connection closed")

	for {
		body, err := ReadFrame(conn)
		if errors.Is(err, io.EOF) {
			return
		}
		var perr *ProtocolError
		if errors.As(err, &perr) {
			logger.Warn().Err(err).Msg("dropping control connection")
			writeJSON(conn, Response{Error: &Error{Code: CodeProtocol, Message: perr.Error()}})
			return
		}
		if err != nil {
			return
		}

		resp := s.dispatch(ctx, body)
		if err := writeJSON(conn, resp); err != nil {
			logger.Warn().Err(err).Msg("failed writing response")
			return
		}
	}
}

// dispatch decodes and runs a single request. Malformed requests produce an
// error response and leave the connection usable.
func (s *Server) dispatch(ctx context.Context, body []byte) Response {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Response{Error: Errorf(CodeProtocol, "malformed request: %v", err)}
	}
	if req.Command == "" {
		return Response{Error: Errorf(CodeProtocol, "missing command")}
	}
	r, ok := s.routes[req.Command]
	if !ok {
		return Response{Error: Errorf(CodeUnknownCommand, "unknown command %q", req.Command)}
	}

	if r.mutating {
		s.mutate.Lock()
		defer s.mutate.Unlock()
	}
	started := time.Now()
	result, err := r.handler(ctx, req.Args)
	log.Debug().Str("command", req.Command).Dur("took", time.Since(started)).Err(err).Msg("control command")
	if err != nil {
		var ierr *Error
		if !errors.As(err, &ierr) {
			ierr = &Error{Code: CodeInternal, Message: err.Error()}
		}
		return Response{Error: ierr}
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return Response{Error: Errorf(CodeInternal, "encoding result: %v", err)}
	}
	return Response{OK: true, Result: encoded}
}

// DecodeArgs unmarshals args into v. Missing args leave v untouched.
func DecodeArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return Errorf(CodeInvalidArgument, "invalid arguments: %v", err)
	}
	return nil
}

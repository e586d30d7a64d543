package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/vdecode/vdec/pkg/logger"
)

const maxPortRollAttempts = 42

// Server is an HTTP server bound to its listener at creation,
// so Addr is the real address even for port 0.
type Server struct {
	http.Server

	listener net.Listener
	log      *logger.Logger
}

func NewServer(address string, handler func(*Server) http.Handler, rollPorts bool, log *logger.Logger) (*Server, error) {
	ls, err := listen(address, rollPorts, log)
	if err != nil {
		return nil, err
	}
	s := &Server{
		Server: http.Server{
			Addr:              ls.Addr().String(),
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: ls,
		log:      log,
	}
	s.Handler = handler(s)
	return s, nil
}

// listen tries the next ports when the address is taken and rollPorts is set.
func listen(address string, rollPorts bool, log *logger.Logger) (net.Listener, error) {
	ls, err := net.Listen("tcp", address)
	if err == nil || !rollPorts || !inUse(err) {
		return ls, err
	}
	host, p, _ := net.SplitHostPort(address)
	port, _ := strconv.Atoi(p)
	for i := port + 1; i < port+maxPortRollAttempts; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(i))
		log.Debug().Msgf("Port is taken, trying %v", addr)
		if ls, err = net.Listen("tcp", addr); err == nil {
			return ls, nil
		}
	}
	return nil, err
}

func inUse(err error) bool {
	var se *os.SyscallError
	return errors.As(err, &se) && errors.Is(se.Err, syscall.EADDRINUSE)
}

// Run serves in the background until Shutdown.
func (s *Server) Run() { go s.run() }

func (s *Server) run() {
	s.log.Debug().Msgf("Starting http server on %s", s.Addr)
	if err := s.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error().Err(err).Msg("http server")
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Server.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

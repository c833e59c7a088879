// Copyright 2016 David Lazar. All rights reserved.
// Use of this source code is governed by the GNU AGPL
// license that can be found in the LICENSE file.

package vrpc

import (
	"net"
	"net/rpc"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/jonco5555/mixnet/internal/errors"
)

// Server serves registered services over plain TCP connections.
type Server struct {
	rpcServer *rpc.Server
	listener  net.Listener

	mu   sync.Mutex
	done chan struct{}
}

func NewServer() *Server {
	return &Server{
		rpcServer: rpc.NewServer(),
	}
}

func (s *Server) RegisterName(name string, rcvr interface{}) error {
	return s.rpcServer.RegisterName(name, rcvr)
}

func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts incoming RPC connections on the listener.
func (s *Server) Serve(listener net.Listener) error {
	defer listener.Close()
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.getDoneChan():
				return ErrServerClosed
			default:
			}
			log.Errorf("vrpc.Serve: accept: %s", err.Error())
			return err
		}

		go s.rpcServer.ServeConn(conn)
	}
}

var ErrServerClosed = errors.New("vrpc: Server closed")

func (s *Server) getDoneChan() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// This logic is based on net/http.(*Server).Close()
	if s.done == nil {
		s.done = make(chan struct{})
	}
	select {
	case <-s.done:
		// Already closed. Don't close again.
	default:
		close(s.done)
	}

	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

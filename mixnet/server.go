// Copyright 2016 David Lazar. All rights reserved.
// Use of this source code is governed by the GNU AGPL
// license that can be found in the LICENSE file.

// Package mixnet implements the synchronous-round mix chain: servers
// that collect one onion per client per round, peel a layer, and
// forward the batch, and clients that emit one onion every round.
package mixnet

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jonco5555/mixnet/internal/errors"
	"github.com/jonco5555/mixnet/onion"
	"github.com/jonco5555/mixnet/sealbox"
	"github.com/jonco5555/mixnet/vrpc"
)

// Server is one mix in the chain. It peels one layer from each incoming
// onion as it arrives, accumulates the results per round, releases a
// round once exactly MessagesPerRound have arrived, and dispatches them:
// inner payloads addressed to a known client go to that client's
// delivery buffer, payloads addressed to NextAddr are forwarded to the
// successor, and anything else is dropped as misrouted.
type Server struct {
	ID   string
	Addr string

	MessagesPerRound int
	RoundDuration    time.Duration

	// ClientAddrs is the set of client addresses this chain delivers
	// to. A peeled payload whose next hop is one of these stays here
	// (terminal mix) instead of being forwarded.
	ClientAddrs []string

	// NextAddr is the chain successor's address, or empty for the
	// terminal mix. Peeled descriptors must name either a known client
	// or the successor; anything else is misrouted and dropped.
	NextAddr string

	// FirstServer marks the entry mix, the only one that enforces the
	// registration quorum.
	FirstServer bool

	// KeyDir is where the server publishes its public key.
	KeyDir string

	// OutputDir, if set, receives one file per delivered payload on
	// the terminal mix.
	OutputDir string

	publicKey  *sealbox.PublicKey
	privateKey *sealbox.PrivateKey

	clientSet map[string]bool

	rpcServer *vrpc.Server

	mu         sync.Mutex
	cond       *sync.Cond
	running    bool
	round      uint64
	pending    map[uint64][]*onion.HopDescriptor
	delivery   map[string][][]byte
	registered map[string]bool
	start      chan struct{}
	done       chan struct{}

	forwardMu sync.Mutex
	forward   *vrpc.Client
}

// Start generates the server's session keypair, publishes the public
// key, starts the RPC listener, and launches the round-release worker.
func (s *Server) Start() error {
	if s.MessagesPerRound <= 0 {
		return errors.New("mixnet: messages per round must be positive")
	}
	if len(s.ClientAddrs) != s.MessagesPerRound {
		return errors.New(
			"mixnet: messages per round (%d) must equal the number of clients (%d)",
			s.MessagesPerRound, len(s.ClientAddrs),
		)
	}

	public, private, err := sealbox.GenerateKey()
	if err != nil {
		return err
	}
	s.publicKey = public
	s.privateKey = private
	if err := sealbox.WriteKeyFile(s.KeyDir, s.ID, public); err != nil {
		return err
	}

	s.clientSet = make(map[string]bool, len(s.ClientAddrs))
	for _, addr := range s.ClientAddrs {
		s.clientSet[addr] = true
	}

	s.cond = sync.NewCond(&s.mu)
	s.pending = make(map[uint64][]*onion.HopDescriptor)
	s.delivery = make(map[string][][]byte)
	s.registered = make(map[string]bool)
	s.start = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	if !s.FirstServer {
		// Downstream mixes accept all registrations; they have no
		// quorum to wait for.
		close(s.start)
	}

	s.rpcServer = vrpc.NewServer()
	if err := s.rpcServer.RegisterName("Entry", &EntryService{s}); err != nil {
		return err
	}
	if err := s.rpcServer.RegisterName("Chain", &ChainService{s}); err != nil {
		return err
	}

	listenErr := make(chan error, 1)
	go func() {
		err := s.rpcServer.ListenAndServe(s.Addr)
		if err != nil && err != vrpc.ErrServerClosed {
			listenErr <- err
			return
		}
		listenErr <- nil
	}()
	// Give the listener a moment to fail fast on a bad address.
	select {
	case err := <-listenErr:
		if err != nil {
			return errors.Wrap(err, "listening on %q", s.Addr)
		}
	case <-time.After(50 * time.Millisecond):
	}

	go s.releaseLoop()

	log.WithFields(log.Fields{"server": s.ID, "addr": s.Addr}).Info("Mix server started")
	return nil
}

// Stop shuts the server down: the release worker exits, the listener
// closes, and the session public key is withdrawn.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.New("mixnet: server %q already stopped", s.ID)
	}
	s.running = false
	s.cond.Broadcast()
	close(s.done)
	s.mu.Unlock()

	if err := s.rpcServer.Close(); err != nil {
		log.WithFields(log.Fields{"server": s.ID}).Errorf("closing rpc server: %s", err)
	}

	s.forwardMu.Lock()
	if s.forward != nil {
		s.forward.Close()
		s.forward = nil
	}
	s.forwardMu.Unlock()

	if err := sealbox.RemoveKeyFile(s.KeyDir, s.ID); err != nil {
		return err
	}
	log.WithFields(log.Fields{"server": s.ID}).Info("Mix server stopped")
	return nil
}

// releaseLoop is the round-release worker. It waits on the barrier
// until the current round's batch is complete, takes the batch and
// advances the cursor atomically, then processes the batch outside
// the lock. Rounds are released in strictly increasing order.
func (s *Server) releaseLoop() {
	s.mu.Lock()
	for {
		for s.running && len(s.pending[s.round]) < s.MessagesPerRound {
			s.cond.Wait()
		}
		if !s.running {
			s.mu.Unlock()
			return
		}

		round := s.round
		batch := s.pending[round]
		delete(s.pending, round)
		s.round++
		s.mu.Unlock()

		s.sendRoundMessages(batch, round)

		s.mu.Lock()
	}
}

// sendRoundMessages dispatches a released batch in insertion order.
func (s *Server) sendRoundMessages(batch []*onion.HopDescriptor, round uint64) {
	logger := log.WithFields(log.Fields{"server": s.ID, "round": round, "batch": len(batch)})
	logger.Info("Releasing round")

	for _, desc := range batch {
		if s.clientSet[desc.Address] {
			s.deliver(desc, round)
		} else {
			s.forwardOnward(desc, round)
		}
	}
}

func (s *Server) deliver(desc *onion.HopDescriptor, round uint64) {
	s.mu.Lock()
	s.delivery[desc.Address] = append(s.delivery[desc.Address], desc.Payload)
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"server": s.ID,
		"round":  round,
		"client": desc.Address,
	}).Info("Message delivered")

	if s.OutputDir != "" {
		s.writeOutputFile(desc, round)
	}
}

func (s *Server) writeOutputFile(desc *onion.HopDescriptor, round uint64) {
	name := fmt.Sprintf("%s_round_%d_%s.txt", s.ID, round, sanitizeAddr(desc.Address))
	path := filepath.Join(s.OutputDir, name)
	if err := os.MkdirAll(s.OutputDir, 0700); err != nil {
		log.WithFields(log.Fields{"server": s.ID}).Errorf("creating output dir: %s", err)
		return
	}
	if err := os.WriteFile(path, desc.Payload, 0600); err != nil {
		log.WithFields(log.Fields{"server": s.ID}).Errorf("writing output file %q: %s", path, err)
	}
}

func sanitizeAddr(addr string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '\\':
			return '_'
		}
		return r
	}, addr)
}

// forwardOnward sends a peeled payload to the chain successor,
// retrying once after a short backoff. A payload that cannot be
// forwarded is lost for this session.
func (s *Server) forwardOnward(desc *onion.HopDescriptor, round uint64) {
	if desc.Address != s.NextAddr {
		log.WithFields(log.Fields{
			"server": s.ID,
			"round":  round,
			"next":   desc.Address,
		}).Warn("Misrouted descriptor, message dropped")
		return
	}

	client, err := s.nextHopClient()
	if err != nil {
		log.WithFields(log.Fields{"server": s.ID, "round": round}).Errorf("dialing next hop: %s", err)
		return
	}

	args := &ForwardMessageArgs{Payload: desc.Payload, Round: round}
	reply := new(ForwardMessageReply)
	err = client.Call("Chain.ForwardMessage", args, reply)
	if err != nil {
		time.Sleep(500 * time.Millisecond)
		err = client.Call("Chain.ForwardMessage", args, reply)
	}
	if err != nil {
		log.WithFields(log.Fields{
			"server": s.ID,
			"round":  round,
			"next":   desc.Address,
		}).Errorf("forwarding failed, message dropped: %s", err)
		return
	}

	log.WithFields(log.Fields{
		"server": s.ID,
		"round":  round,
		"next":   desc.Address,
	}).Debug("Message forwarded")
}

// nextHopClient returns the cached connection to the chain successor;
// one connection serves the whole session.
func (s *Server) nextHopClient() (*vrpc.Client, error) {
	s.forwardMu.Lock()
	defer s.forwardMu.Unlock()

	if s.forward != nil {
		return s.forward, nil
	}
	client, err := vrpc.Dial("tcp", s.NextAddr, 1)
	if err != nil {
		return nil, err
	}
	s.forward = client
	return client, nil
}

// Copyright 2016 David Lazar. All rights reserved.
// Use of this source code is governed by the GNU AGPL
// license that can be found in the LICENSE file.

package mixnet

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/jonco5555/mixnet/onion"
)

// EntryService carries the lifecycle RPCs. Every mix exposes it, but
// only the first mix in the chain enforces the registration quorum;
// downstream mixes accept by default.
type EntryService struct {
	*Server
}

// ChainService carries the message-path RPCs.
type ChainService struct {
	*Server
}

type RegisterArgs struct {
	ClientID string
}

type RegisterReply struct {
	OK bool
}

// Register admits a client to the session. Duplicate registrations are
// idempotent. Once MessagesPerRound distinct clients have registered,
// the start event fires and WaitForStart callers are released.
func (srv *EntryService) Register(args *RegisterArgs, reply *RegisterReply) error {
	logger := log.WithFields(log.Fields{"server": srv.ID, "rpc": "Register", "client": args.ClientID})

	if !srv.FirstServer {
		reply.OK = true
		return nil
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()

	if !srv.running {
		reply.OK = false
		return nil
	}
	if srv.registered[args.ClientID] {
		logger.Debug("Duplicate registration")
		reply.OK = true
		return nil
	}
	if len(srv.registered) >= srv.MessagesPerRound {
		logger.Warn("Registration rejected: session full")
		reply.OK = false
		return nil
	}

	srv.registered[args.ClientID] = true
	reply.OK = true
	logger.WithFields(log.Fields{"count": len(srv.registered)}).Info("Client registered")

	if len(srv.registered) == srv.MessagesPerRound {
		close(srv.start)
		logger.Info("All clients registered, starting rounds")
	}
	return nil
}

type WaitForStartArgs struct {
	ClientID string
}

type WaitForStartReply struct {
	Ready bool
	// RoundDuration is the round cadence in seconds.
	RoundDuration float64
}

// WaitForStart blocks until all clients have registered. There is no
// deadline; callers apply their own timeout.
func (srv *EntryService) WaitForStart(args *WaitForStartArgs, reply *WaitForStartReply) error {
	srv.mu.Lock()
	running := srv.running
	srv.mu.Unlock()

	if !running {
		reply.Ready = false
		return nil
	}

	select {
	case <-srv.start:
		reply.Ready = true
		reply.RoundDuration = srv.RoundDuration.Seconds()
	case <-srv.done:
		reply.Ready = false
	}
	return nil
}

type ForwardMessageArgs struct {
	Payload []byte
	Round   uint64
}

type ForwardMessageReply struct {
	Status string
}

// ForwardMessage peels one layer from the payload and queues the
// resulting hop descriptor for the given round. The reply is sent
// immediately; releasing and forwarding the round batch happens on the
// release worker. Undecryptable or unparseable payloads are dropped
// and do not count toward the round.
func (srv *ChainService) ForwardMessage(args *ForwardMessageArgs, reply *ForwardMessageReply) error {
	logger := log.WithFields(log.Fields{"server": srv.ID, "rpc": "ForwardMessage", "round": args.Round})

	desc, err := onion.Peel(args.Payload, srv.privateKey)
	if err != nil {
		logger.Errorf("Dropping message: %s", err)
		reply.Status = "message dropped"
		return nil
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()

	if !srv.running {
		reply.Status = "shutting down"
		return nil
	}
	if args.Round < srv.round {
		logger.WithFields(log.Fields{"current": srv.round}).Warn("Stale round, message dropped")
		reply.Status = fmt.Sprintf("round %d already released", args.Round)
		return nil
	}
	if len(srv.pending[args.Round]) >= srv.MessagesPerRound {
		// A release batch holds exactly MessagesPerRound descriptors.
		logger.Warn("Round already full, message dropped")
		reply.Status = fmt.Sprintf("round %d full", args.Round)
		return nil
	}

	srv.pending[args.Round] = append(srv.pending[args.Round], desc)
	if args.Round == srv.round && len(srv.pending[args.Round]) == srv.MessagesPerRound {
		srv.cond.Broadcast()
	}

	reply.Status = fmt.Sprintf("message received for round %d", args.Round)
	return nil
}

type PollMessagesArgs struct {
	ClientAddr string
}

type PollMessagesReply struct {
	Payloads [][]byte
}

// PollMessages drains the delivery buffer for a client address.
func (srv *ChainService) PollMessages(args *PollMessagesArgs, reply *PollMessagesReply) error {
	srv.mu.Lock()
	reply.Payloads = srv.delivery[args.ClientAddr]
	delete(srv.delivery, args.ClientAddr)
	srv.mu.Unlock()

	log.WithFields(log.Fields{
		"server":   srv.ID,
		"rpc":      "PollMessages",
		"client":   args.ClientAddr,
		"payloads": len(reply.Payloads),
	}).Debug()
	return nil
}

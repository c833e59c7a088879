// Copyright 2016 David Lazar. All rights reserved.
// Use of this source code is governed by the GNU AGPL
// license that can be found in the LICENSE file.

package mixnet

import (
	log "github.com/sirupsen/logrus"

	"github.com/jonco5555/mixnet/sealbox"
)

// ClientService is the operator-facing RPC surface served on the
// client's own address. The prepare-message and poll-messages CLI
// subcommands talk to a running client through it.
type ClientService struct {
	*Client
}

type PrepareMessageArgs struct {
	Message       string
	RecipientKey  []byte
	RecipientAddr string
}

type PrepareMessageReply struct {
	OK bool
}

// PrepareMessage queues a real message for emission in the outbox slot
// that Queue picks.
func (c *ClientService) PrepareMessage(args *PrepareMessageArgs, reply *PrepareMessageReply) error {
	key, err := recipientKey(args.RecipientKey)
	if err != nil {
		log.WithFields(log.Fields{"client": c.ID, "rpc": "PrepareMessage"}).Errorf("bad recipient key: %s", err)
		reply.OK = false
		return nil
	}
	if err := c.Queue([]byte(args.Message), key, args.RecipientAddr); err != nil {
		log.WithFields(log.Fields{"client": c.ID, "rpc": "PrepareMessage"}).Errorf("queueing message: %s", err)
		reply.OK = false
		return nil
	}
	reply.OK = true
	return nil
}

func recipientKey(raw []byte) (*sealbox.PublicKey, error) {
	if len(raw) == sealbox.KeySize {
		key := new(sealbox.PublicKey)
		copy(key[:], raw)
		return key, nil
	}
	// Canonical text form, as published in key files.
	return sealbox.ParsePublicKey(raw)
}

type ClientPollMessagesArgs struct {
}

type ClientPollMessagesReply struct {
	Messages []string
}

// ClientPollMessages polls the terminal mix on the operator's behalf
// and returns the decrypted, dummy-filtered plaintexts.
func (c *ClientService) ClientPollMessages(args *ClientPollMessagesArgs, reply *ClientPollMessagesReply) error {
	messages, err := c.Poll()
	if err != nil {
		return err
	}
	reply.Messages = messages
	return nil
}

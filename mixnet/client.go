// Copyright 2016 David Lazar. All rights reserved.
// Use of this source code is governed by the GNU AGPL
// license that can be found in the LICENSE file.

package mixnet

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jonco5555/mixnet/config"
	"github.com/jonco5555/mixnet/internal/errors"
	"github.com/jonco5555/mixnet/onion"
	"github.com/jonco5555/mixnet/sealbox"
	"github.com/jonco5555/mixnet/vrpc"
)

// Client participates in the mix session: it registers with the entry
// mix, waits for the synchronized start, emits exactly one onion per
// round (a real message when one is queued, a self-addressed dummy
// otherwise), and polls the terminal mix for delivered payloads.
type Client struct {
	ID   string
	Addr string

	// KeyDir is where the client publishes its public key and reads
	// the mix servers' keys.
	KeyDir string

	// MixServers is the chain in forwarding order.
	MixServers []config.PeerInfo

	// DummyPayload is the canonical cover-traffic cleartext.
	DummyPayload string

	publicKey  *sealbox.PublicKey
	privateKey *sealbox.PrivateKey

	// mixHops caches the chain's published keys, in forwarding order.
	mixHops []onion.Hop

	entry    *vrpc.Client
	terminal *vrpc.Client

	rpcServer *vrpc.Server

	mu      sync.Mutex
	running bool
	round   uint64
	outbox  map[uint64][]byte
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Start generates the client's session keypair, publishes the public
// key, loads the mix servers' keys, connects to the entry and terminal
// mixes, and starts the operator RPC listener. The emission loop does
// not start until Run.
func (c *Client) Start() error {
	if len(c.MixServers) == 0 {
		return errors.New("mixnet: client %q has no mix chain", c.ID)
	}

	public, private, err := sealbox.GenerateKey()
	if err != nil {
		return err
	}
	c.publicKey = public
	c.privateKey = private
	if err := sealbox.WriteKeyFile(c.KeyDir, c.ID, public); err != nil {
		return err
	}

	c.mixHops = make([]onion.Hop, len(c.MixServers))
	for i, srv := range c.MixServers {
		key, err := sealbox.ReadKeyFile(c.KeyDir, srv.ID)
		if err != nil {
			return err
		}
		c.mixHops[i] = onion.Hop{Key: key, Address: srv.Address}
	}

	c.entry, err = vrpc.Dial("tcp", c.MixServers[0].Address, 1)
	if err != nil {
		return err
	}
	c.terminal, err = vrpc.Dial("tcp", c.MixServers[len(c.MixServers)-1].Address, 1)
	if err != nil {
		return err
	}

	c.outbox = make(map[uint64][]byte)
	c.stop = make(chan struct{})
	c.running = true

	c.rpcServer = vrpc.NewServer()
	if err := c.rpcServer.RegisterName("Client", &ClientService{c}); err != nil {
		return err
	}
	go func() {
		err := c.rpcServer.ListenAndServe(c.Addr)
		if err != nil && err != vrpc.ErrServerClosed {
			log.WithFields(log.Fields{"client": c.ID}).Errorf("rpc server: %s", err)
		}
	}()

	log.WithFields(log.Fields{"client": c.ID, "addr": c.Addr}).Info("Client started")
	return nil
}

// Register announces the client to the entry mix. The session is full
// once MessagesPerRound distinct clients have registered.
func (c *Client) Register() error {
	args := &RegisterArgs{ClientID: c.ID}
	reply := new(RegisterReply)
	if err := c.entry.Call("Entry.Register", args, reply); err != nil {
		return errors.Wrap(err, "Entry.Register")
	}
	if !reply.OK {
		return errors.New("mixnet: registration rejected for %q", c.ID)
	}
	return nil
}

// WaitForStart blocks until every client has registered and returns
// the round cadence announced by the entry mix.
func (c *Client) WaitForStart() (time.Duration, error) {
	args := &WaitForStartArgs{ClientID: c.ID}
	reply := new(WaitForStartReply)
	if err := c.entry.Call("Entry.WaitForStart", args, reply); err != nil {
		return 0, errors.Wrap(err, "Entry.WaitForStart")
	}
	if !reply.Ready {
		return 0, errors.New("mixnet: entry mix is not running")
	}
	return time.Duration(reply.RoundDuration * float64(time.Second)), nil
}

// Run starts the emission loop: every roundDuration the client sends
// the onion queued for the current round, synthesizing a dummy when
// the slot is empty. Run returns immediately; Stop ends the loop.
func (c *Client) Run(roundDuration time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(roundDuration)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.emitRound()
			}
		}
	}()
}

// emitRound sends exactly one onion for the current round and advances
// the round cursor.
func (c *Client) emitRound() {
	c.mu.Lock()
	round := c.round
	payload := c.outbox[round]
	if payload == nil {
		var err error
		payload, err = c.seal([]byte(c.DummyPayload), c.publicKey, c.Addr)
		if err != nil {
			c.mu.Unlock()
			log.WithFields(log.Fields{"client": c.ID, "round": round}).Errorf("building dummy: %s", err)
			return
		}
	}
	delete(c.outbox, round)
	c.round++
	c.mu.Unlock()

	args := &ForwardMessageArgs{Payload: payload, Round: round}
	reply := new(ForwardMessageReply)
	if err := c.entry.Call("Chain.ForwardMessage", args, reply); err != nil {
		log.WithFields(log.Fields{"client": c.ID, "round": round}).Errorf("sending onion: %s", err)
		return
	}
	log.WithFields(log.Fields{"client": c.ID, "round": round, "status": reply.Status}).Debug("Onion sent")
}

// Queue wraps a real message for the recipient and stores it in an
// outbox slot: the current round if nothing is queued there, otherwise
// the round after. A message already queued for the round after is
// replaced.
func (c *Client) Queue(message []byte, recipientKey *sealbox.PublicKey, recipientAddr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	round := c.round
	if c.outbox[round] != nil {
		round++
	}
	payload, err := c.seal(message, recipientKey, recipientAddr)
	if err != nil {
		return err
	}
	c.outbox[round] = payload

	log.WithFields(log.Fields{"client": c.ID, "round": round}).Info("Message queued")
	return nil
}

// seal builds the full onion: the recipient's layer innermost, then
// one layer per mix in reverse chain order.
func (c *Client) seal(message []byte, recipientKey *sealbox.PublicKey, recipientAddr string) ([]byte, error) {
	return onion.Seal(message, onion.ChainHops(recipientKey, recipientAddr, c.mixHops))
}

// Poll fetches this client's delivered payloads from the terminal mix,
// decrypts them, and filters out cover traffic.
func (c *Client) Poll() ([]string, error) {
	args := &PollMessagesArgs{ClientAddr: c.Addr}
	reply := new(PollMessagesReply)
	if err := c.terminal.Call("Chain.PollMessages", args, reply); err != nil {
		return nil, errors.Wrap(err, "Chain.PollMessages")
	}

	messages := make([]string, 0, len(reply.Payloads))
	for _, payload := range reply.Payloads {
		plaintext, err := sealbox.Open(payload, c.privateKey)
		if err != nil {
			log.WithFields(log.Fields{"client": c.ID}).Errorf("dropping undecryptable payload: %s", err)
			continue
		}
		if string(plaintext) == c.DummyPayload {
			continue
		}
		messages = append(messages, string(plaintext))
	}
	return messages, nil
}

// Stop ends the emission loop and withdraws the session key.
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return errors.New("mixnet: client %q already stopped", c.ID)
	}
	c.running = false
	close(c.stop)
	c.mu.Unlock()

	c.wg.Wait()

	if c.rpcServer != nil {
		c.rpcServer.Close()
	}
	c.entry.Close()
	c.terminal.Close()

	if err := sealbox.RemoveKeyFile(c.KeyDir, c.ID); err != nil {
		return err
	}
	log.WithFields(log.Fields{"client": c.ID}).Info("Client stopped")
	return nil
}

// PublicKey returns the client's session public key.
func (c *Client) PublicKey() *sealbox.PublicKey {
	return c.publicKey
}

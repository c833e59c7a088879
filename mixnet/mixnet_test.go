// Copyright 2016 David Lazar. All rights reserved.
// Use of this source code is governed by the GNU AGPL
// license that can be found in the LICENSE file.

package mixnet

import (
	"net"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/jonco5555/mixnet/config"
	"github.com/jonco5555/mixnet/internal/debug"
	"github.com/jonco5555/mixnet/sealbox"
)

// universe is a full local session: a three-mix chain and two clients
// on loopback addresses.
type universe struct {
	Dir     string
	Conf    *config.Config
	Servers []*Server
	Clients []*Client
}

func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		l, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			t.Fatal(err)
		}
		addrs[i] = l.Addr().String()
		l.Close()
	}
	return addrs
}

func createUniverse(t *testing.T) *universe {
	t.Helper()
	dir := t.TempDir()
	addrs := freeAddrs(t, 5)

	conf := &config.Config{
		MessagesPerRound: 2,
		RoundDuration:    0.1,
		DummyPayload:     "dummy",
		MixServers: []config.PeerInfo{
			{ID: "server_1", Address: addrs[0]},
			{ID: "server_2", Address: addrs[1]},
			{ID: "server_3", Address: addrs[2]},
		},
		Clients: []config.PeerInfo{
			{ID: "client_1", Address: addrs[3]},
			{ID: "client_2", Address: addrs[4]},
		},
		KeyDir: dir,
	}
	if err := conf.Validate(); err != nil {
		t.Fatal(err)
	}

	u := &universe{Dir: dir, Conf: conf}

	for _, info := range conf.MixServers {
		nextAddr, err := conf.NextAddr(info.ID)
		if err != nil {
			t.Fatal(err)
		}
		srv := &Server{
			ID:               info.ID,
			Addr:             info.Address,
			MessagesPerRound: conf.MessagesPerRound,
			RoundDuration:    conf.Round(),
			ClientAddrs:      conf.ClientAddrs(),
			NextAddr:         nextAddr,
			FirstServer:      info.ID == conf.FirstServer().ID,
			KeyDir:           dir,
		}
		if srv.ID == conf.LastServer().ID {
			srv.OutputDir = filepath.Join(dir, "output")
		}
		if err := srv.Start(); err != nil {
			t.Fatal(err)
		}
		u.Servers = append(u.Servers, srv)
	}

	for _, info := range conf.Clients {
		client := &Client{
			ID:           info.ID,
			Addr:         info.Address,
			KeyDir:       dir,
			MixServers:   conf.MixServers,
			DummyPayload: conf.DummyPayload,
		}
		if err := client.Start(); err != nil {
			t.Fatal(err)
		}
		u.Clients = append(u.Clients, client)
	}

	t.Cleanup(func() {
		for _, c := range u.Clients {
			c.Stop()
		}
		for _, s := range u.Servers {
			s.Stop()
		}
	})
	return u
}

func (u *universe) startRounds(t *testing.T) {
	t.Helper()
	for _, c := range u.Clients {
		if err := c.Register(); err != nil {
			t.Fatal(err)
		}
	}
	for _, c := range u.Clients {
		d, err := c.WaitForStart()
		if err != nil {
			t.Fatal(err)
		}
		if d != u.Conf.Round() {
			t.Fatalf("round duration: got %v, want %v", d, u.Conf.Round())
		}
		c.Run(d)
	}
}

func pollClient(t *testing.T, c *Client, timeout time.Duration) []string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		messages, err := c.Poll()
		if err != nil {
			t.Fatal(err)
		}
		if len(messages) > 0 {
			return messages
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

// Two clients, three mixes, one real message each way.
func TestMessageExchange(t *testing.T) {
	u := createUniverse(t)
	c1, c2 := u.Clients[0], u.Clients[1]

	if err := c1.Queue([]byte("Hello, client2!"), c2.PublicKey(), c2.Addr); err != nil {
		t.Fatal(err)
	}
	if err := c2.Queue([]byte("Hello, client1!"), c1.PublicKey(), c1.Addr); err != nil {
		t.Fatal(err)
	}

	u.startRounds(t)

	got1 := pollClient(t, c1, 5*time.Second)
	if !reflect.DeepEqual(got1, []string{"Hello, client1!"}) {
		t.Fatalf("client_1 polled %s", debug.Pretty(got1))
	}
	got2 := pollClient(t, c2, 5*time.Second)
	if !reflect.DeepEqual(got2, []string{"Hello, client2!"}) {
		t.Fatalf("client_2 polled %s", debug.Pretty(got2))
	}

	// The terminal mix wrote one output file per delivered payload.
	outDir := u.Servers[len(u.Servers)-1].OutputDir
	files, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 {
		t.Fatal("terminal mix wrote no output files")
	}
}

// Rounds with no real traffic deliver nothing: every client's
// self-addressed dummies filter out during polling.
func TestDummyOnlyRounds(t *testing.T) {
	u := createUniverse(t)
	u.startRounds(t)

	// Let several dummy-only rounds complete.
	time.Sleep(500 * time.Millisecond)

	for _, c := range u.Clients {
		messages, err := c.Poll()
		if err != nil {
			t.Fatal(err)
		}
		if len(messages) != 0 {
			t.Fatalf("%s polled %q from dummy-only rounds", c.ID, messages)
		}
	}
}

// One client sends, the other emits cover traffic. Only the recipient
// receives anything.
func TestMixedRound(t *testing.T) {
	u := createUniverse(t)
	c1, c2 := u.Clients[0], u.Clients[1]

	if err := c1.Queue([]byte("hi"), c2.PublicKey(), c2.Addr); err != nil {
		t.Fatal(err)
	}

	u.startRounds(t)

	got := pollClient(t, c2, 5*time.Second)
	if !reflect.DeepEqual(got, []string{"hi"}) {
		t.Fatalf("client_2 polled %q", got)
	}

	messages, err := c1.Poll()
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 0 {
		t.Fatalf("client_1 polled %q, want nothing", messages)
	}
}

// A real message queued while the current slot is taken lands in the
// next round, not on top of the queued one.
func TestOutboxSlotAdvance(t *testing.T) {
	u := createUniverse(t)
	c1, c2 := u.Clients[0], u.Clients[1]

	if err := c1.Queue([]byte("first"), c2.PublicKey(), c2.Addr); err != nil {
		t.Fatal(err)
	}
	if err := c1.Queue([]byte("second"), c2.PublicKey(), c2.Addr); err != nil {
		t.Fatal(err)
	}

	c1.mu.Lock()
	queued := len(c1.outbox)
	c1.mu.Unlock()
	if queued != 2 {
		t.Fatalf("outbox slots: got %d, want 2", queued)
	}

	u.startRounds(t)

	var got []string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(got) < 2 {
		messages, err := c2.Poll()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, messages...)
		time.Sleep(50 * time.Millisecond)
	}
	if !reflect.DeepEqual(got, []string{"first", "second"}) {
		t.Fatalf("client_2 polled %q", got)
	}
}

// Session keys are published on start and withdrawn on stop.
func TestKeyLifecycle(t *testing.T) {
	dir := t.TempDir()
	addrs := freeAddrs(t, 1)

	srv := &Server{
		ID:               "server_1",
		Addr:             addrs[0],
		MessagesPerRound: 1,
		RoundDuration:    100 * time.Millisecond,
		ClientAddrs:      []string{"localhost:50061"},
		FirstServer:      true,
		KeyDir:           dir,
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := sealbox.ReadKeyFile(dir, "server_1"); err != nil {
		t.Fatalf("public key not published: %s", err)
	}

	if err := srv.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(sealbox.KeyPath(dir, "server_1")); !os.IsNotExist(err) {
		t.Fatal("public key not withdrawn on stop")
	}
}

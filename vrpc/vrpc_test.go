// Copyright 2016 David Lazar. All rights reserved.
// Use of this source code is governed by the GNU AGPL
// license that can be found in the LICENSE file.

package vrpc

import (
	"net"
	"sync"
	"testing"

	"github.com/jonco5555/mixnet/internal/errors"
)

type Arith struct {
	mu    sync.Mutex
	calls int
}

type AddArgs struct {
	A, B int
}

func (s *Arith) Add(args *AddArgs, reply *int) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	*reply = args.A + args.B
	return nil
}

func (s *Arith) Fail(args *AddArgs, reply *int) error {
	return errors.New("arith: deliberate failure")
}

func startServer(t *testing.T) (*Server, string) {
	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer()
	if err := srv.RegisterName("Arith", new(Arith)); err != nil {
		t.Fatal(err)
	}
	go func() {
		err := srv.Serve(listener)
		if err != ErrServerClosed {
			t.Errorf("Serve: %s", err)
		}
	}()
	return srv, listener.Addr().String()
}

func TestCall(t *testing.T) {
	srv, addr := startServer(t)
	defer srv.Close()

	client, err := Dial("tcp", addr, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	var sum int
	if err := client.Call("Arith.Add", &AddArgs{A: 2, B: 3}, &sum); err != nil {
		t.Fatal(err)
	}
	if sum != 5 {
		t.Fatalf("Add: got %d, want 5", sum)
	}
}

// A handler error is a server error: it must come back to the caller
// as-is, without triggering a reconnect.
func TestCallServerError(t *testing.T) {
	srv, addr := startServer(t)
	defer srv.Close()

	client, err := Dial("tcp", addr, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	var out int
	err = client.Call("Arith.Fail", &AddArgs{}, &out)
	if err == nil {
		t.Fatal("expected error from Arith.Fail")
	}
	if needsReconnect(err) {
		t.Fatalf("server error should not trigger reconnect: %v", err)
	}

	// The connection must still work.
	var sum int
	if err := client.Call("Arith.Add", &AddArgs{A: 1, B: 1}, &sum); err != nil {
		t.Fatal(err)
	}
	if sum != 2 {
		t.Fatalf("Add after failure: got %d, want 2", sum)
	}
}

func TestCallMany(t *testing.T) {
	srv, addr := startServer(t)
	defer srv.Close()

	client, err := Dial("tcp", addr, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	const n = 20
	calls := make([]*Call, n)
	replies := make([]int, n)
	for i := range calls {
		calls[i] = &Call{
			Method: "Arith.Add",
			Args:   &AddArgs{A: i, B: i},
			Reply:  &replies[i],
		}
	}
	if err := client.CallMany(calls); err != nil {
		t.Fatal(err)
	}
	for i, r := range replies {
		if r != 2*i {
			t.Fatalf("call %d: got %d, want %d", i, r, 2*i)
		}
	}
}

func TestClientCloseTwice(t *testing.T) {
	srv, addr := startServer(t)
	defer srv.Close()

	client, err := Dial("tcp", addr, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err == nil {
		t.Fatal("second Close should fail")
	}
}

func TestServerCloseUnblocksServe(t *testing.T) {
	srv, addr := startServer(t)

	client, err := Dial("tcp", addr, 1)
	if err != nil {
		t.Fatal(err)
	}

	var sum int
	if err := client.Call("Arith.Add", &AddArgs{A: 1, B: 2}, &sum); err != nil {
		t.Fatal(err)
	}

	if err := srv.Close(); err != nil {
		t.Fatal(err)
	}
	client.Close()
}

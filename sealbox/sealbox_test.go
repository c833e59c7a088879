// Copyright 2016 David Lazar. All rights reserved.
// Use of this source code is governed by the GNU AGPL
// license that can be found in the LICENSE file.

package sealbox

import (
	"bytes"
	"os"
	"testing"
)

func TestSealOpen(t *testing.T) {
	pub, priv, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("hello, mixnet!")
	ct, err := Seal(msg, pub)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(ct, msg) {
		t.Fatal("ciphertext equals plaintext")
	}
	if len(ct) != len(msg)+Overhead {
		t.Fatalf("ciphertext length: got %d, want %d", len(ct), len(msg)+Overhead)
	}

	plaintext, err := Open(ct, priv)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plaintext, msg) {
		t.Fatalf("round trip: got %q, want %q", plaintext, msg)
	}
}

func TestOpenWrongKey(t *testing.T) {
	pub, _, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	_, wrongPriv, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	ct, err := Seal([]byte("test message"), pub)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(ct, wrongPriv); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestOpenTampered(t *testing.T) {
	pub, priv, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	ct, err := Seal([]byte("test message"), pub)
	if err != nil {
		t.Fatal(err)
	}
	ct[len(ct)-1] ^= 0x01
	if _, err := Open(ct, priv); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestOpenTruncated(t *testing.T) {
	_, priv, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	for _, ct := range [][]byte{nil, {}, make([]byte, Overhead-1)} {
		if _, err := Open(ct, priv); err != ErrDecrypt {
			t.Fatalf("expected ErrDecrypt for %d bytes, got %v", len(ct), err)
		}
	}
}

// Two seals of the same plaintext under the same key must differ:
// each call uses a fresh ephemeral key, which is what makes onions
// unlinkable on the wire.
func TestSealNondeterministic(t *testing.T) {
	pub, _, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("same plaintext")
	ct1, err := Seal(msg, pub)
	if err != nil {
		t.Fatal(err)
	}
	ct2, err := Seal(msg, pub)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(ct1, ct2) {
		t.Fatal("two seals of the same plaintext are equal")
	}
}

func TestNestedSeal(t *testing.T) {
	pub1, priv1, _ := GenerateKey()
	pub2, priv2, _ := GenerateKey()

	msg := []byte("double encryption test payload")
	ct1, err := Seal(msg, pub1)
	if err != nil {
		t.Fatal(err)
	}
	ct2, err := Seal(ct1, pub2)
	if err != nil {
		t.Fatal(err)
	}

	inner, err := Open(ct2, priv2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(inner, ct1) {
		t.Fatal("outer layer did not peel to inner ciphertext")
	}
	plaintext, err := Open(inner, priv1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plaintext, msg) {
		t.Fatalf("nested round trip: got %q, want %q", plaintext, msg)
	}
}

func TestKeyFile(t *testing.T) {
	dir := t.TempDir()

	pub, _, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteKeyFile(dir, "server_1", pub); err != nil {
		t.Fatal(err)
	}

	got, err := ReadKeyFile(dir, "server_1")
	if err != nil {
		t.Fatal(err)
	}
	if *got != *pub {
		t.Fatalf("key file round trip: got %s, want %s", got, pub)
	}

	if err := RemoveKeyFile(dir, "server_1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(KeyPath(dir, "server_1")); !os.IsNotExist(err) {
		t.Fatalf("key file still exists after remove: %v", err)
	}
	// Removing a missing key file is not an error.
	if err := RemoveKeyFile(dir, "server_1"); err != nil {
		t.Fatal(err)
	}
}

func TestParsePublicKey(t *testing.T) {
	pub, _, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParsePublicKey([]byte(pub.String()))
	if err != nil {
		t.Fatal(err)
	}
	if *parsed != *pub {
		t.Fatal("parsed key differs from original")
	}
	if _, err := ParsePublicKey([]byte("notavalidkey==")); err == nil {
		t.Fatal("expected error for invalid key text")
	}
}

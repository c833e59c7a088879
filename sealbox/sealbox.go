// Copyright 2016 David Lazar. All rights reserved.
// Use of this source code is governed by the GNU AGPL
// license that can be found in the LICENSE file.

// Package sealbox implements the sealed-box encryption used for onion
// layers. A sealed box is a NaCl box from a single-use ephemeral key:
// the ephemeral public key is prepended to the ciphertext, so two
// encryptions of the same plaintext under the same key are unlinkable
// and the recipient learns nothing about the sender.
package sealbox

import (
	cryptoRand "crypto/rand"

	"github.com/davidlazar/go-crypto/encoding/base32"
	"golang.org/x/crypto/nacl/box"

	"github.com/jonco5555/mixnet/internal/errors"
)

// Overhead is the number of bytes added to a plaintext by Seal.
const Overhead = 32 + box.Overhead

// KeySize is the size in bytes of public and private keys.
const KeySize = 32

type PublicKey [KeySize]byte

type PrivateKey [KeySize]byte

// ErrDecrypt is returned by Open for any undecryptable input: wrong key,
// truncated ciphertext, or tampering.
var ErrDecrypt = errors.New("sealbox: decryption failed")

// GenerateKey generates a fresh keypair. Keys are ephemeral: peers
// generate them at startup and never persist the private half.
func GenerateKey() (*PublicKey, *PrivateKey, error) {
	pub, priv, err := box.GenerateKey(cryptoRand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "box.GenerateKey")
	}
	return (*PublicKey)(pub), (*PrivateKey)(priv), nil
}

// The nonce is fixed to zero; each box is encrypted under a fresh
// ephemeral key, so the (key, nonce) pair never repeats.
var zeroNonce = new([24]byte)

// Seal encrypts msg to the holder of the corresponding private key.
// The result is ephemeralPublicKey || box(msg).
func Seal(msg []byte, theirPub *PublicKey) ([]byte, error) {
	ephemeralPub, ephemeralPriv, err := box.GenerateKey(cryptoRand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "box.GenerateKey")
	}

	ct := make([]byte, 0, len(msg)+Overhead)
	ct = append(ct, ephemeralPub[:]...)
	ct = box.Seal(ct, msg, zeroNonce, (*[32]byte)(theirPub), ephemeralPriv)
	return ct, nil
}

// Open decrypts a sealed box produced by Seal.
func Open(ct []byte, myPriv *PrivateKey) ([]byte, error) {
	if len(ct) < Overhead {
		return nil, ErrDecrypt
	}

	var theirEphemeral [32]byte
	copy(theirEphemeral[:], ct[0:32])

	msg, ok := box.Open(nil, ct[32:], zeroNonce, &theirEphemeral, (*[32]byte)(myPriv))
	if !ok {
		return nil, ErrDecrypt
	}
	return msg, nil
}

func (k *PublicKey) String() string {
	return base32.EncodeToString(k[:])
}

// ParsePublicKey decodes the canonical text form written by key files.
func ParsePublicKey(text []byte) (*PublicKey, error) {
	data, err := base32.DecodeString(string(text))
	if err != nil {
		return nil, errors.Wrap(err, "base32.DecodeString")
	}
	if len(data) != KeySize {
		return nil, errors.New("wrong public key length: got %d, want %d", len(data), KeySize)
	}
	key := new(PublicKey)
	copy(key[:], data)
	return key, nil
}

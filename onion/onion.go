// Copyright 2016 David Lazar. All rights reserved.
// Use of this source code is governed by the GNU AGPL
// license that can be found in the LICENSE file.

// Package onion builds and peels the layered ciphertexts that travel
// through the mix chain. Each layer is a sealed box around a hop
// descriptor: the payload for the next hop plus the address it should
// be sent to. A mix that peels its layer learns only the next address,
// never the full route.
package onion

import (
	"encoding/json"

	"github.com/jonco5555/mixnet/internal/errors"
	"github.com/jonco5555/mixnet/sealbox"
)

// A HopDescriptor is the cleartext inside one onion layer. The wire
// form is JSON; encoding/json base64-encodes Payload, so the descriptor
// is self-describing and parses from raw bytes without length framing.
type HopDescriptor struct {
	Payload []byte `json:"payload"`
	Address string `json:"address"`
}

func (d *HopDescriptor) Marshal() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling hop descriptor")
	}
	return data, nil
}

// ParseHopDescriptor parses the cleartext of a peeled layer.
func ParseHopDescriptor(data []byte) (*HopDescriptor, error) {
	d := new(HopDescriptor)
	if err := json.Unmarshal(data, d); err != nil {
		return nil, errors.Wrap(err, "parsing hop descriptor")
	}
	return d, nil
}

// A Hop pairs the key a layer is encrypted under with that hop's own
// address. Seal embeds the address in the next layer out, so the server
// peeling that layer forwards the inner payload to this hop.
type Hop struct {
	Key     *sealbox.PublicKey
	Address string
}

// Seal wraps msg in one layer per hop. Hops are listed innermost first:
// hops[0] is the recipient, hops[len(hops)-1] is the first mix in the
// chain. Each layer is sealed to one hop and carries, inside it, the
// address of the hop that was sealed just before — so the server that
// peels a layer learns exactly the address it must forward to. The
// innermost layer is the raw message: the recipient decrypts straight
// to plaintext, no descriptor.
func Seal(msg []byte, hops []Hop) ([]byte, error) {
	if len(hops) == 0 {
		return nil, errors.New("onion: no hops")
	}

	data := msg
	var ct []byte
	for _, hop := range hops {
		var err error
		ct, err = sealbox.Seal(data, hop.Key)
		if err != nil {
			return nil, errors.Wrap(err, "sealing layer for %q", hop.Address)
		}
		desc := &HopDescriptor{
			Payload: ct,
			Address: hop.Address,
		}
		data, err = desc.Marshal()
		if err != nil {
			return nil, err
		}
	}
	return ct, nil
}

// ChainHops builds the full hop list for a message entering the chain:
// the recipient innermost, then the mix chain in reverse forwarding
// order, so chain[0] ends up outermost. The chain is listed in
// forwarding order, as in the session config.
func ChainHops(recipientKey *sealbox.PublicKey, recipientAddr string, chain []Hop) []Hop {
	hops := make([]Hop, 0, len(chain)+1)
	hops = append(hops, Hop{Key: recipientKey, Address: recipientAddr})
	for i := len(chain) - 1; i >= 0; i-- {
		hops = append(hops, chain[i])
	}
	return hops
}

// Peel removes one layer: decrypt with the server's private key and
// parse the descriptor. Both failure modes drop the message at the mix.
func Peel(ct []byte, priv *sealbox.PrivateKey) (*HopDescriptor, error) {
	data, err := sealbox.Open(ct, priv)
	if err != nil {
		return nil, errors.Wrap(err, "peeling onion layer")
	}
	return ParseHopDescriptor(data)
}

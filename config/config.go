// Copyright 2016 David Lazar. All rights reserved.
// Use of this source code is governed by the GNU AGPL
// license that can be found in the LICENSE file.

// Package config manages the session configuration shared by every
// peer: the ordered mix chain, the client set, and the round cadence.
package config

import (
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jonco5555/mixnet/internal/errors"
)

// PeerInfo identifies one peer of the session. Public keys are not
// part of the config file; peers publish them as key files next to it.
type PeerInfo struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// Config is immutable for a session. The mix_servers list is ordered:
// its order is the forwarding order of the chain.
type Config struct {
	MessagesPerRound int        `yaml:"messages_per_round"`
	RoundDuration    float64    `yaml:"round_duration"`
	DummyPayload     string     `yaml:"dummy_payload"`
	MixServers       []PeerInfo `yaml:"mix_servers"`
	Clients          []PeerInfo `yaml:"clients"`

	// KeyDir is where peers publish their public keys. It is the
	// directory the config file was loaded from, not a YAML field.
	KeyDir string `yaml:"-"`
}

// Load reads and validates a session config file. KeyDir is set to the
// config file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	conf, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, "parsing %q", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	conf.KeyDir = filepath.Dir(abs)
	return conf, nil
}

func Parse(data []byte) (*Config, error) {
	conf := &Config{
		RoundDuration: 1.0,
		DummyPayload:  "dummy",
	}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks the invariants the protocol depends on. Violations
// are fatal at startup.
func (c *Config) Validate() error {
	if len(c.MixServers) == 0 {
		return errors.New("config: no mix servers")
	}
	if len(c.Clients) == 0 {
		return errors.New("config: no clients")
	}
	if c.MessagesPerRound != len(c.Clients) {
		return errors.New(
			"config: messages_per_round (%d) must equal the number of clients (%d)",
			c.MessagesPerRound, len(c.Clients),
		)
	}
	if c.RoundDuration <= 0 {
		return errors.New("config: round_duration must be positive, got %v", c.RoundDuration)
	}
	if c.DummyPayload == "" {
		return errors.New("config: dummy_payload must not be empty")
	}

	seen := make(map[string]bool)
	for _, peer := range append(append([]PeerInfo{}, c.MixServers...), c.Clients...) {
		if peer.ID == "" {
			return errors.New("config: peer with empty id")
		}
		if seen[peer.ID] {
			return errors.New("config: duplicate peer id %q", peer.ID)
		}
		seen[peer.ID] = true
		if _, _, err := net.SplitHostPort(peer.Address); err != nil {
			return errors.New("config: peer %q has bad address %q", peer.ID, peer.Address)
		}
	}
	return nil
}

// Round cadence as a duration.
func (c *Config) Round() time.Duration {
	return time.Duration(c.RoundDuration * float64(time.Second))
}

func (c *Config) FirstServer() PeerInfo {
	return c.MixServers[0]
}

func (c *Config) LastServer() PeerInfo {
	return c.MixServers[len(c.MixServers)-1]
}

// Server looks up a mix server by id.
func (c *Config) Server(id string) (PeerInfo, error) {
	for _, s := range c.MixServers {
		if s.ID == id {
			return s, nil
		}
	}
	return PeerInfo{}, errors.New("config: server %q not found", id)
}

// Client looks up a client by id.
func (c *Config) Client(id string) (PeerInfo, error) {
	for _, cl := range c.Clients {
		if cl.ID == id {
			return cl, nil
		}
	}
	return PeerInfo{}, errors.New("config: client %q not found", id)
}

// NextAddr returns the address of the chain successor of the server
// with the given id, or "" for the terminal server.
func (c *Config) NextAddr(id string) (string, error) {
	for i, s := range c.MixServers {
		if s.ID == id {
			if i == len(c.MixServers)-1 {
				return "", nil
			}
			return c.MixServers[i+1].Address, nil
		}
	}
	return "", errors.New("config: server %q not found", id)
}

func (c *Config) ClientAddrs() []string {
	addrs := make([]string, len(c.Clients))
	for i, cl := range c.Clients {
		addrs[i] = cl.Address
	}
	return addrs
}

func (c *Config) MixAddrs() []string {
	addrs := make([]string, len(c.MixServers))
	for i, s := range c.MixServers {
		addrs[i] = s.Address
	}
	return addrs
}

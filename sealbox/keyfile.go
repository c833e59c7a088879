// Copyright 2016 David Lazar. All rights reserved.
// Use of this source code is governed by the GNU AGPL
// license that can be found in the LICENSE file.

package sealbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jonco5555/mixnet/internal/errors"
)

// Peers publish their public key at a well-known path so other peers
// can build onion layers for them. Private keys never touch disk.

// KeyPath returns the public key path for a peer id.
func KeyPath(dir, id string) string {
	return filepath.Join(dir, id+".key")
}

// WriteKeyFile publishes a public key at {dir}/{id}.key in canonical
// base32 text form.
func WriteKeyFile(dir, id string, key *PublicKey) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrap(err, "creating key directory %q", dir)
	}
	err := os.WriteFile(KeyPath(dir, id), []byte(key.String()), 0600)
	if err != nil {
		return errors.Wrap(err, "writing key file for %q", id)
	}
	return nil
}

// ReadKeyFile reads the public key published by peer id.
func ReadKeyFile(dir, id string) (*PublicKey, error) {
	data, err := os.ReadFile(KeyPath(dir, id))
	if err != nil {
		return nil, errors.Wrap(err, "reading key file for %q", id)
	}
	key, err := ParsePublicKey([]byte(strings.TrimSpace(string(data))))
	if err != nil {
		return nil, errors.Wrap(err, "parsing key file for %q", id)
	}
	return key, nil
}

// RemoveKeyFile deletes a published key. Keys are per-session; peers
// remove them on shutdown.
func RemoveKeyFile(dir, id string) error {
	err := os.Remove(KeyPath(dir, id))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing key file for %q", id)
	}
	return nil
}

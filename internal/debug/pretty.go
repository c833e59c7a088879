// Copyright 2017 David Lazar. All rights reserved.
// Use of this source code is governed by the GNU AGPL
// license that can be found in the LICENSE file.

// Package debug pretty-prints protocol values in test failures.
// Key material and payload bytes render in the same base32 form as
// published key files.
package debug

import (
	"reflect"

	"github.com/davidlazar/go-crypto/encoding/base32"
	"github.com/kylelemons/godebug/pretty"

	"github.com/jonco5555/mixnet/sealbox"
)

func init() {
	pretty.DefaultFormatter[reflect.TypeOf([]byte{})] = func(data []byte) string {
		return "\"" + base32.EncodeToString(data) + "\""
	}
	pretty.DefaultFormatter[reflect.TypeOf(sealbox.PublicKey{})] = func(key sealbox.PublicKey) string {
		return "\"" + key.String() + "\""
	}
}

func Pretty(v interface{}) string {
	return pretty.Sprint(v)
}

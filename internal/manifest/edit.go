// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package manifest

import "github.com/cockroachdb/errors"

// Edit is a set of identifiers to add, a set to remove, and info-token
// updates, applied to the manifest atomically as one transaction.
type Edit struct {
	addStrs map[string]struct{}
	rmStrs  map[string]struct{}
	infos   map[byte]string
}

// Add records an identifier to insert into the live set.
func (e *Edit) Add(s string) error {
	if err := checkStr(s); err != nil {
		return err
	}
	if e.addStrs == nil {
		e.addStrs = make(map[string]struct{})
	}
	e.addStrs[s] = struct{}{}
	return nil
}

// Rm records an identifier to remove from the live set.
func (e *Edit) Rm(s string) error {
	if err := checkStr(s); err != nil {
		return err
	}
	if e.rmStrs == nil {
		e.rmStrs = make(map[string]struct{})
	}
	e.rmStrs[s] = struct{}{}
	return nil
}

// Info records a free-form metadata token keyed by a single character. The
// key must be a printable ASCII character other than the '+'/'-' actions, and
// the value must be a non-empty newline-free ASCII string.
func (e *Edit) Info(c byte, v string) error {
	if c <= ' ' || c >= 0x7f || c == '+' || c == '-' {
		return errors.Newf("manifest: invalid info key %q", string(c))
	}
	if v == "" {
		return errors.New("manifest: empty info value")
	}
	if err := checkStr(v); err != nil {
		return err
	}
	if e.infos == nil {
		e.infos = make(map[byte]string)
	}
	e.infos[c] = v
	return nil
}

func (e *Edit) empty() bool {
	return len(e.addStrs) == 0 && len(e.rmStrs) == 0 && len(e.infos) == 0
}

func checkStr(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return errors.New("manifest: strings must not contain newlines")
		}
		if s[i] >= 0x80 {
			return errors.New("manifest: strings must be ASCII")
		}
	}
	return nil
}

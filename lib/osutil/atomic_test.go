// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package osutil

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCreateAtomicCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.txt")

	w, err := CreateAtomic(path)
	if err != nil {
		t.Fatal(err)
	}
	if n, err := w.Write([]byte("192.0.2.5:1904\n")); err != nil {
		t.Fatal(err)
	} else if n != 15 {
		t.Fatal("wrong number of bytes written")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("destination should not exist before Close")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	bs, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(bs, []byte("192.0.2.5:1904\n")) {
		t.Errorf("incorrect data %q", bs)
	}

	if _, err := w.Write([]byte("more")); !errors.Is(err, ErrClosed) {
		t.Errorf("write after close should fail with ErrClosed, got %v", err)
	}
}

func TestCreateAtomicReplaceKeepsMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.txt")
	if err := os.WriteFile(path, []byte("old\n"), 0o640); err != nil {
		t.Fatal(err)
	}

	w, err := CreateAtomic(path)
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("new\n"))
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	bs, _ := os.ReadFile(path)
	if string(bs) != "new\n" {
		t.Errorf("incorrect data %q", bs)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("mode not kept, got %v", info.Mode().Perm())
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temporary file left behind: %v", entries)
	}
}

// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package osutil holds small file system helpers.
package osutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

var (
	ErrClosed  = errors.New("write to closed writer")
	TempPrefix = ".upnpbridge.tmp."
)

// An AtomicWriter writes to a temporary file in the same directory as the
// final path. On successful Close the file is renamed to its final path.
// Any error on Write or during Close is accumulated and returned on Close,
// so a lazy user can ignore errors until Close.
type AtomicWriter struct {
	path string
	next *os.File
	err  error
}

// CreateAtomic is like os.Create, except a temporary file name is used
// instead of the given name. The temporary file is created 0600 and takes
// over the mode of an existing destination on Close.
func CreateAtomic(path string) (*AtomicWriter, error) {
	fd, err := os.CreateTemp(filepath.Dir(path), TempPrefix)
	if err != nil {
		return nil, err
	}
	return &AtomicWriter{path: path, next: fd}, nil
}

// Write is like io.Writer, but is a no-op on an already failed AtomicWriter.
func (w *AtomicWriter) Write(bs []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.next.Write(bs)
	if err != nil {
		w.err = err
		w.next.Close()
	}
	return n, err
}

// Close closes the temporary file and renames it to the final path. It is
// invalid to call Write() or Close() after Close().
func (w *AtomicWriter) Close() error {
	if w.err != nil {
		return w.err
	}

	// Try to not leave temp file around, but ignore error.
	defer os.Remove(w.next.Name())

	_ = w.next.Sync()
	if err := w.next.Close(); err != nil {
		w.err = err
		return err
	}

	info, infoErr := os.Lstat(w.path)
	if infoErr != nil && !os.IsNotExist(infoErr) {
		w.err = infoErr
		return infoErr
	}
	if runtime.GOOS == "windows" && infoErr == nil {
		// Rename does not replace an existing file on Windows.
		if err := os.Remove(w.path); err != nil {
			w.err = err
			return err
		}
	}
	if err := os.Rename(w.next.Name(), w.path); err != nil {
		w.err = err
		return err
	}
	if infoErr == nil {
		if err := os.Chmod(w.path, info.Mode().Perm()); err != nil {
			w.err = err
			return err
		}
	}

	w.err = ErrClosed
	return nil
}

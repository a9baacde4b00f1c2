// Copyright (c) 2013-2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build windows || plan9

package limits

// SetLimits is a no-op on Windows and Plan 9 since they have no open file
// limit to raise.
func SetLimits() error {
	return nil
}

// Handles returns the number of file handles a database may keep open.
func Handles() int {
	return 1024
}

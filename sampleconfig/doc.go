// Copyright (c) 2017 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package sampleconfig provides a single constant that contains the contents of
the sample configuration file for mempoold.  mempoold writes it when no
configuration file exists at the default location, so a fresh install starts
out with every option documented.
*/
package sampleconfig

// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2018 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package version houses the version of mempoold and the tools built with
// it.
package version

import (
	"fmt"
	"strings"
)

const (
	// semanticAlphabet defines the allowed characters for the pre-release
	// and build portions of a semantic version string.
	semanticAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."
)

// These constants define the application version and follow the semantic
// versioning 2.0.0 spec (http://semver.org/).
const (
	Major uint = 0
	Minor uint = 3
	Patch uint = 0
)

var (
	// PreRelease may be overridden during the build process with
	// '-ldflags "-X github.com/btcsuite/mempoold/internal/version.PreRelease=foo"'.
	PreRelease = "beta"

	// BuildMetadata may be overridden the same way.
	BuildMetadata = ""
)

// String returns the application version as a properly formed string per the
// semantic versioning 2.0.0 spec (http://semver.org/).
func String() string {
	version := fmt.Sprintf("%d.%d.%d", Major, Minor, Patch)

	// The pre-release and build strings are dropped when they contain
	// characters outside the semantic alphabet.
	if preRelease := normalize(PreRelease); preRelease != "" {
		version = fmt.Sprintf("%s-%s", version, preRelease)
	}
	if build := normalize(BuildMetadata); build != "" {
		version = fmt.Sprintf("%s+%s", version, build)
	}

	return version
}

func normalize(str string) string {
	if strings.Trim(str, semanticAlphabet) != "" {
		return ""
	}
	return str
}

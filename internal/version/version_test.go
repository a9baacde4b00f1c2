// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	pre, build := PreRelease, BuildMetadata
	defer func() { PreRelease, BuildMetadata = pre, build }()

	PreRelease, BuildMetadata = "", ""
	require.Equal(t, "0.3.0", String())

	PreRelease, BuildMetadata = "rc1", "abc.1"
	require.Equal(t, "0.3.0-rc1+abc.1", String())

	PreRelease, BuildMetadata = "bad!", "ok"
	require.Equal(t, "0.3.0+ok", String())
}

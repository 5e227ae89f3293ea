// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBinaryOnPath(t *testing.T) {
	assert.True(t, binaryOnPath("ls"))
	assert.False(t, binaryOnPath("definitely-not-a-real-binary-xyz"))
}

func TestDefaultAvailability_UnknownKindDefaultsTrue(t *testing.T) {
	avail := DefaultAvailability()
	assert.True(t, avail(KindNone))
}

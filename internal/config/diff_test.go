// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiff(t *testing.T) {
	assert.Empty(t, Diff(DefaultConfig(), DefaultConfig(), "defaults", "effective"))

	changed := DefaultConfig()
	changed.Tun.MTU = 1400
	text := Diff(DefaultConfig(), changed, "defaults", "effective")
	assert.True(t, strings.HasPrefix(text, "--- defaults\n+++ effective\n"))
	assert.Contains(t, text, "1500")
	assert.Contains(t, text, "1400")
}

func TestDiffRedactsPassphrase(t *testing.T) {
	withFeed := DefaultConfig()
	withFeed.Rules.Feed = &FeedConfig{URL: "https://feed.example/rules", Passphrase: "hunter2"}
	text := Diff(DefaultConfig(), withFeed, "a", "b")
	assert.Contains(t, text, "feed.example")
	assert.NotContains(t, text, "hunter2")
}

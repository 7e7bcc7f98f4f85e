package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/macrelay/macrelay/internal/config"
)

func TestBuildPipeArgs_SubstitutesPlaceholders(t *testing.T) {
	args := BuildPipeArgs(config.DefaultPipeCommand, "http://upstream/stream.ts", "http://proxy:3128", 5)

	assert.True(t, hasPair(args, "-http_proxy", "http://proxy:3128"))
	assert.True(t, hasPair(args, "-i", "http://upstream/stream.ts"))
	assert.True(t, hasPair(args, "-timeout", "5000000"), "timeout is passed in microseconds")
	assert.Equal(t, "pipe:", args[len(args)-1])
}

func TestBuildPipeArgs_NoProxyDropsFlagPair(t *testing.T) {
	args := BuildPipeArgs(config.DefaultPipeCommand, "http://upstream/stream.ts", "", 5)

	assert.False(t, hasFlag(args, "-http_proxy"))
	// The placeholder must not survive as a literal argument either.
	assert.NotContains(t, args, "<proxy>")
	assert.True(t, hasPair(args, "-i", "http://upstream/stream.ts"))
}

func TestBuildPipeArgs_DefaultTemplateShape(t *testing.T) {
	args := BuildPipeArgs(config.DefaultPipeCommand, "http://upstream/stream.ts", "", 10)

	assert.Equal(t, "-re", args[0], "pipe reads at native rate")
	assert.True(t, hasPair(args, "-codec", "copy"))
	assert.True(t, hasPair(args, "-f", "mpegts"))
	assert.True(t, hasPair(args, "-fflags", "+nobuffer"))
	assert.True(t, hasPair(args, "-analyzeduration", "0"))
	assert.True(t, hasPair(args, "-probesize", "32"))
}

func TestBuildPipeArgs_CustomTemplate(t *testing.T) {
	args := BuildPipeArgs("-i <url> -f mpegts pipe:", "http://upstream/x", "", 5)
	assert.Equal(t, []string{"-i", "http://upstream/x", "-f", "mpegts", "pipe:"}, args)
}

func TestBuildWebPipeArgs(t *testing.T) {
	args := buildWebPipeArgs("http://upstream/stream.ts", "http://proxy:3128")

	assert.True(t, hasPair(args, "-http_proxy", "http://proxy:3128"))
	assert.True(t, hasPair(args, "-i", "http://upstream/stream.ts"))
	assert.True(t, hasPair(args, "-vcodec", "copy"))
	assert.True(t, hasPair(args, "-f", "mp4"))
	// Browsers need a streamable MP4: fragmented, no seek table up front.
	assert.True(t, hasPair(args, "-movflags", "frag_keyframe+empty_moov"))
	assert.Equal(t, "pipe:", args[len(args)-1])

	noProxy := buildWebPipeArgs("http://upstream/stream.ts", "")
	assert.False(t, hasFlag(noProxy, "-http_proxy"))
}

package responder

import (
	"context"
	"slices"
)

var _ Responder = Echo{}

// Echo plays the utterance back unchanged. It needs no network and serves as
// the last entry of a [Chain].
type Echo struct{}

// Respond implements [Responder].
func (Echo) Respond(_ context.Context, pcm []byte, rate int) (Reply, error) {
	if len(pcm) == 0 {
		return Reply{}, ErrEmptyUtterance
	}
	return Reply{PCM: slices.Clone(pcm), Rate: rate, Responder: "echo"}, nil
}

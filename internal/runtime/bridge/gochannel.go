package bridge

import (
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/modcomm/internal/runtime/logging"
)

// NewInProcessPubSub returns a Watermill pub/sub that never leaves the
// process, for wiring a Forwarder straight into an Ingress or for tests.
func NewInProcessPubSub(buffer int64, logger logging.ServiceLogger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: buffer,
	}, logging.NewWatermillAdapter(logging.OrNop(logger)))
}

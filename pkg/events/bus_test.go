package events_test

import (
	"testing"

	"github.com/scalarorg/fact-relayer/pkg/events"
	"github.com/scalarorg/fact-relayer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusRouting(t *testing.T) {
	bus := events.NewEventBus(&events.EventBusConfig{SubscriberBufferSize: 1})
	buyer := bus.Subscribe("buyer")
	all := bus.Subscribe(events.ALL_CHAINS)

	record := &types.TransferRecord{ID: "t1", SourceChain: "hub", DestinationChain: "buyer", Status: types.StatusConfirmed}
	bus.BroadcastEvent(events.NewStatusEvent(events.EVENT_TRANSFER_STATUS_CHANGED, record))

	event := <-buyer
	assert.Equal(t, "t1", event.TransferID)
	assert.Equal(t, types.StatusConfirmed, event.Status)
	event = <-all
	assert.Equal(t, "buyer", event.DestinationChain)

	//Full buffers drop instead of blocking the publisher
	record.DestinationChain = "distributor"
	bus.BroadcastEvent(events.NewStatusEvent(events.EVENT_TRANSFER_STATUS_CHANGED, record))
	bus.BroadcastEvent(events.NewStatusEvent(events.EVENT_TRANSFER_STATUS_CHANGED, record))
	assert.Len(t, all, 1)
	assert.Len(t, buyer, 0)

	bus.Close()
	_, ok := <-buyer
	require.False(t, ok)
	closed := bus.Subscribe("buyer")
	_, ok = <-closed
	require.False(t, ok)
}

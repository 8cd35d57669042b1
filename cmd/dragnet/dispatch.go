package main

import (
	"context"

	"github.com/dragnet-project/dragnet/internal/events"
	"github.com/dragnet-project/dragnet/internal/foreman"
	"github.com/dragnet-project/dragnet/internal/rules"
	"github.com/rs/zerolog/log"
)

// Event names the daemon exchanges with the fleet comms layer. Check-ins
// arrive on the bus; dispatched tasks leave on it. The comms layer itself
// lives outside this process.
const (
	checkInEvent = "client.checkin"
	taskEvent    = "hunt.task"
)

// taskAssignment is the payload of a task dispatch event.
type taskAssignment struct {
	HuntID      string `json:"hunt_id"`
	ClientID    string `json:"client_id"`
	ClientLimit int    `json:"client_limit,omitempty"`
}

// taskDispatcher hands dispatched tasks to whatever is listening on the
// bus. Delivery to the agent is the comms layer's problem.
type taskDispatcher struct {
	bus *events.Bus
}

func (d taskDispatcher) StartClient(ctx context.Context, huntID, clientID string, limit int) error {
	d.bus.Publish(taskEvent, taskAssignment{HuntID: huntID, ClientID: clientID, ClientLimit: limit})
	return nil
}

// subscribeCheckIns routes check-in events into the foreman. The returned
// function removes the subscription.
func subscribeCheckIns(ctx context.Context, bus *events.Bus, fore *foreman.Foreman) func() {
	return bus.Subscribe(checkInEvent, func(event events.Event) {
		client, ok := event.Payload.(rules.ClientRecord)
		if !ok {
			log.Warn().Str("event", event.Name).Msg("Ignoring check-in event with unexpected payload")
			return
		}
		if _, err := fore.OnCheckIn(ctx, client); err != nil {
			log.Error().Err(err).Str("client", client.ID).Msg("Check-in processing failed")
		}
	})
}

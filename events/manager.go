package events

import (
	"context"

	"github.com/saiset-co/sai-gate/types"
)

var customEventCreators = make(map[string]types.EventBrokerCreator)

// RegisterEventBroker makes a custom broker type available to the
// dispatcher under the given config type name.
func RegisterEventBroker(brokerName string, creator types.EventBrokerCreator) {
	customEventCreators[brokerName] = creator
}

func NewEventBroker(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.EventBroker, error) {
	eventsConfig := config.GetConfig().Events

	if eventsConfig == nil || !eventsConfig.Enabled {
		return nil, types.ErrEventsIsDisabled
	}

	return NewDispatcher(ctx, config, logger, metrics)
}

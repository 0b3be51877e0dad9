package orchestrator

import (
	"context"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/queue"
	"github.com/openfroyo/pms/pkg/sdk"
)

// NewResponseListener returns a queue listener that applies the response
// events of cfg.Topic, sdk.TopicResponseEvents when unset.
func (o *Orchestrator) NewResponseListener(cfg queue.ListenerConfig, consumer queue.Consumer) *queue.Listener {
	if cfg.Topic == "" {
		cfg.Topic = sdk.TopicResponseEvents
	}
	return queue.NewListener(cfg, consumer, queue.HandlerFunc(o.handleMessage), o.logger, o.tel.Metrics)
}

func (o *Orchestrator) handleMessage(ctx context.Context, msg *queue.Message) error {
	ev, err := sdk.DecodeResponseEvent(msg.Payload)
	if err != nil {
		return engine.NewPermanentError("undecodable response event", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(msg.ID)
	}
	return o.HandleResponseEvent(ctx, ev)
}

// Package events is the webhook-facing boundary of the tracker. It
// converts stage notifications into state machine advancement and
// reports a done/failed acknowledgement instead of propagating errors,
// so a bad notification never takes the dispatcher down.
package events

import (
	"context"

	"github.com/fulfillmentworks/lifetest/pkg/hub"
	"github.com/fulfillmentworks/lifetest/pkg/tracker"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Acknowledgement results.
const (
	ResultDone   = "done"
	ResultFailed = "failed"
)

// defaultConcurrency bounds parallel batch deliveries. The store
// serializes internally, so this only limits in-flight hub calls.
const defaultConcurrency = 4

// Ack is the acknowledgement returned to the notification source.
type Ack struct {
	Result string `json:"result"`
	Detail string `json:"detail,omitempty"`
}

// Dispatcher routes stage notifications into the tracker.
type Dispatcher struct {
	log     logrus.FieldLogger
	tracker *tracker.Tracker
}

// NewDispatcher creates a Dispatcher for the given tracker.
func NewDispatcher(
	log logrus.FieldLogger,
	t *tracker.Tracker,
) *Dispatcher {
	return &Dispatcher{
		log:     log.WithField("component", "events"),
		tracker: t,
	}
}

// Dispatch processes one notification for the given lifecycle stage.
// Only approved requests advance the lifecycle; notifications carrying
// any other status are acknowledged done without side effects.
func (d *Dispatcher) Dispatch(
	ctx context.Context, stage string, n tracker.Notification,
) Ack {
	log := d.log.WithField("stage", stage).
		WithField("request_id", n.RequestID).
		WithField("asset_id", n.AssetID)

	if !tracker.IsStage(stage) {
		log.Warn("Notification for unknown stage")

		return Ack{Result: ResultFailed, Detail: "unknown stage: " + stage}
	}

	if n.Status != "" && n.Status != hub.StatusApproved {
		log.WithField("status", n.Status).
			Debug("Ignoring notification with non-approved status")

		return Ack{Result: ResultDone}
	}

	if err := d.tracker.HandleStageApproved(ctx, stage, n); err != nil {
		log.WithError(err).Warn("Stage notification failed")

		return Ack{Result: ResultFailed, Detail: err.Error()}
	}

	return Ack{Result: ResultDone}
}

// DispatchBatch processes a batch of notifications for one stage with
// bounded concurrency, returning one acknowledgement per notification
// in input order.
func (d *Dispatcher) DispatchBatch(
	ctx context.Context, stage string, ns []tracker.Notification,
) []Ack {
	acks := make([]Ack, len(ns))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(defaultConcurrency)

	for i, n := range ns {
		g.Go(func() error {
			acks[i] = d.Dispatch(gCtx, stage, n)

			return nil
		})
	}

	// Dispatch never returns an error; failures are encoded in acks.
	_ = g.Wait()

	return acks
}

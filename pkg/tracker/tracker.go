// Package tracker owns the lifecycle test state machine: starting a
// run, advancing it on hub notifications, and reconciling it against
// the hub on demand. All persistent state lives in the store; the
// tracker issues store operations as consecutive serialized calls.
package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulfillmentworks/lifetest/pkg/hub"
	"github.com/fulfillmentworks/lifetest/pkg/tracker/store"
	"github.com/sirupsen/logrus"
)

// Notification is one webhook-style lifecycle notification from the
// hub: a request of some stage type reached a status worth reporting.
type Notification struct {
	RequestID string `json:"request_id"`
	AssetID   string `json:"asset_id"`
	ProductID string `json:"product_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Tracker drives test runs through the lifecycle.
type Tracker struct {
	log   logrus.FieldLogger
	store store.Store
	hub   hub.Client
}

// New creates a Tracker on top of the given store and hub client.
func New(
	log logrus.FieldLogger,
	st store.Store,
	hc hub.Client,
) *Tracker {
	return &Tracker{
		log:   log.WithField("component", "tracker"),
		store: st,
		hub:   hc,
	}
}

// StartRun purchases a fresh subscription and opens a test run for it.
// At most one run may be active; ErrBusy is returned otherwise. The
// run starts with a referenced purchase step and an unreferenced
// adjustment step (its request id is only known once the hub reports
// the adjustment).
func (t *Tracker) StartRun(
	ctx context.Context, productID, hubID string,
) (*store.TestRun, error) {
	// Cheap early rejection. CreateRun below remains the authoritative
	// check; two concurrent starts can both pass this point.
	idle, err := t.store.IsIdle(ctx)
	if err != nil {
		return nil, err
	}

	if !idle {
		return nil, ErrBusy
	}

	draft, err := t.hub.CreatePurchaseDraft(ctx, productID, hubID)
	if err != nil {
		return nil, fmt.Errorf("creating purchase draft: %w", err)
	}

	req, err := t.hub.GetRequest(ctx, draft.ID)
	if err != nil {
		return nil, fmt.Errorf("fetching purchase draft: %w", err)
	}

	if err := t.hub.ValidateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("validating purchase draft: %w", err)
	}

	assetID := req.Asset.ID

	run, err := t.store.CreateRun(ctx, assetID)
	if err != nil {
		if errors.Is(err, store.ErrBusy) {
			return nil, ErrBusy
		}

		return nil, err
	}

	if _, err := t.hub.SubmitDraft(ctx, draft.ID); err != nil {
		return nil, fmt.Errorf("submitting purchase draft: %w", err)
	}

	if err := t.store.AddStep(ctx, assetID, StagePurchase, req.ID); err != nil {
		return nil, err
	}

	if err := t.store.AddStep(ctx, assetID, StageAdjustment, ""); err != nil {
		return nil, err
	}

	t.log.WithField("run_id", run.ID).
		WithField("asset_id", assetID).
		Info("Test run started")

	return t.store.GetRun(ctx, run.ID)
}

// GetRun fetches one run with its steps.
func (t *Tracker) GetRun(ctx context.Context, id uint) (*store.TestRun, error) {
	run, err := t.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}

		return nil, err
	}

	return run, nil
}

// ListRuns fetches all runs with their steps.
func (t *Tracker) ListRuns(ctx context.Context) ([]store.TestRun, error) {
	return t.store.ListRuns(ctx)
}

// HandleStageApproved advances the run owning the notification's asset
// after the hub approved the given stage's request. Notifications may
// repeat or arrive for a stage that is already checked; checking only
// matches unchecked rows, so those are no-ops. A notification for an
// asset no run owns fails with ErrUnknownSubject.
func (t *Tracker) HandleStageApproved(
	ctx context.Context, stage string, n Notification,
) error {
	runID, err := t.store.GetRunIDByObjectID(ctx, n.AssetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownSubject, n.AssetID)
		}

		return err
	}

	log := t.log.WithField("run_id", runID).
		WithField("stage", stage).
		WithField("request_id", n.RequestID)

	switch stage {
	case StagePurchase:
		if err := t.store.CheckStep(ctx, runID, StagePurchase, n.RequestID); err != nil {
			return err
		}

	case StageAdjustment:
		// The adjustment step was created unreferenced at run start;
		// bind it to the request the hub just approved before checking.
		if err := t.store.UpdateStepObjectID(
			ctx, runID, StageAdjustment, n.RequestID,
		); err != nil {
			return err
		}

		if err := t.store.CheckStep(ctx, runID, StageAdjustment, n.RequestID); err != nil {
			return err
		}

		next, err := t.hub.CreateChangeRequest(ctx, n.ProductID, n.AssetID)
		if err != nil {
			return fmt.Errorf("creating change request: %w", err)
		}

		if err := t.store.AddStep(ctx, n.AssetID, StageChange, next.ID); err != nil {
			return err
		}

	case StageChange:
		if err := t.advance(ctx, runID, n, StageChange, StageSuspend); err != nil {
			return err
		}

	case StageSuspend:
		if err := t.advance(ctx, runID, n, StageSuspend, StageResume); err != nil {
			return err
		}

	case StageResume:
		if err := t.advance(ctx, runID, n, StageResume, StageCancel); err != nil {
			return err
		}

	case StageCancel:
		if err := t.store.CheckStep(ctx, runID, StageCancel, n.RequestID); err != nil {
			return err
		}

		if err := t.finishIfComplete(ctx, runID); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown lifecycle stage %q", stage)
	}

	log.Info("Stage notification processed")

	return nil
}

// advance checks the current stage's step and initiates the next
// stage's hub request, appending its step with the returned id.
func (t *Tracker) advance(
	ctx context.Context,
	runID uint,
	n Notification,
	current, next string,
) error {
	if err := t.store.CheckStep(ctx, runID, current, n.RequestID); err != nil {
		return err
	}

	req, err := t.hub.CreateLifecycleRequest(ctx, next, n.AssetID)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", next, err)
	}

	return t.store.AddStep(ctx, n.AssetID, next, req.ID)
}

// finishIfComplete records success when nothing is left to reconcile
// and every stage is checked.
func (t *Tracker) finishIfComplete(ctx context.Context, runID uint) error {
	due, err := t.store.StepsDueForRecheck(ctx, runID)
	if err != nil {
		return err
	}

	checked, err := t.store.CountCheckedSteps(ctx, runID)
	if err != nil {
		return err
	}

	if len(due) == 0 && checked == TotalStages {
		if err := t.store.SetResult(ctx, runID, store.ResultSuccess); err != nil {
			return err
		}

		t.log.WithField("run_id", runID).Info("Test run succeeded")
	}

	return nil
}

// CheckRun forces reconciliation of a run: every due step is verified
// against the hub. A request in an unexpected status fails the run
// terminally. When all stages are checked the run succeeds. A run that
// passed reconciliation but is not complete yet stays running and the
// first outstanding step is reported via StepPendingError.
//
// On a terminal run the call is a pure read.
func (t *Tracker) CheckRun(
	ctx context.Context, id uint,
) (*store.TestRun, error) {
	run, err := t.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	if !run.Running {
		return run, nil
	}

	due, err := t.store.StepsDueForRecheck(ctx, id)
	if err != nil {
		return nil, err
	}

	for _, step := range due {
		requestID := *step.ObjectID

		req, err := t.hub.GetRequest(ctx, requestID)
		if err != nil {
			return run, fmt.Errorf("fetching request %s: %w", requestID, err)
		}

		if req.Status != hub.StatusApproved {
			// Terminal: the hub rejected or stalled this stage.
			if err := t.store.SetResult(ctx, id, store.ResultFailed); err != nil {
				return nil, err
			}

			run, getErr := t.GetRun(ctx, id)
			if getErr != nil {
				return nil, getErr
			}

			t.log.WithField("run_id", id).
				WithField("request_id", requestID).
				WithField("status", req.Status).
				Warn("Test run failed reconciliation")

			return run, &UnexpectedStatusError{
				RequestID: requestID,
				Type:      req.Type,
				Status:    req.Status,
			}
		}

		if err := t.store.CheckStepByRequestID(ctx, id, requestID); err != nil {
			return nil, err
		}
	}

	checked, err := t.store.CountCheckedSteps(ctx, id)
	if err != nil {
		return nil, err
	}

	if checked != TotalStages {
		run, err := t.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}

		return run, &StepPendingError{Name: StageAt(checked)}
	}

	if err := t.store.SetResult(ctx, id, store.ResultSuccess); err != nil {
		return nil, err
	}

	t.log.WithField("run_id", id).Info("Test run succeeded")

	return t.GetRun(ctx, id)
}

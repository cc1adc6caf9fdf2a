package service

import (
	"context"
	"encoding/json"

	"giftcard-service/internal/apperr"
	"giftcard-service/internal/models"
	"giftcard-service/internal/util"

	"go.uber.org/zap"
)

// SweepExpired moves pending intents past their horizon to expired, then
// polls confirming intents whose confirmation grace has run out. It returns
// how many intents reached a terminal status.
func (s *IntentService) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "IntentService.SweepExpired")
	defer span.End()

	now := s.now().UTC()
	expired, err := s.store.ExpireStaleIntents(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}
	for _, intent := range expired {
		util.IntentsExpiredTotal.WithLabelValues("sweep").Inc()
		s.logger.Info("Payment intent expired",
			zap.String("intent_id", intent.ID),
			zap.Time("expires_at", intent.ExpiresAt))
	}
	finished := len(expired)

	stuck, err := s.store.ListConfirmingBefore(ctx, now.Add(-s.cfg.ConfirmationGrace), sweepBatch)
	if err != nil {
		return finished, err
	}
	for _, intent := range stuck {
		res, err := s.PollVerification(ctx, intent.ID)
		if err != nil && !apperr.Is(err, apperr.KindOnChainRejected) {
			s.logger.Warn("Sweep poll failed",
				zap.String("intent_id", intent.ID), zap.Error(err))
			continue
		}
		if res != nil && res.Intent.Terminal() {
			finished++
		}
	}
	return finished, nil
}

// RelayOutbox publishes fulfillment events whose inline publish did not
// happen. Each event is claimed first, so concurrent relays never both send.
func (s *IntentService) RelayOutbox(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "IntentService.RelayOutbox")
	defer span.End()

	pending, err := s.store.PendingOutbox(ctx, s.now().UTC().Add(-relayGrace), relayBatch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, row := range pending {
		var event models.FulfillmentEvent
		if err := json.Unmarshal(row.Payload, &event); err != nil {
			s.logger.Error("Corrupt outbox payload",
				zap.String("event_id", row.ID), zap.String("intent_id", row.IntentID), zap.Error(err))
			continue
		}
		// The row id is authoritative for the claim.
		event.EventID = row.ID

		claimed, err := s.store.ClaimOutbox(ctx, row.ID, s.now().UTC())
		if err != nil {
			return published, err
		}
		if !claimed {
			continue
		}
		if err := s.publisher.PublishFulfillment(ctx, &event); err != nil {
			util.FulfillmentEventsTotal.WithLabelValues("failed").Inc()
			s.logger.Warn("Relay publish failed, will retry",
				zap.String("event_id", row.ID), zap.Error(err))
			if err := s.store.ReleaseOutbox(ctx, row.ID); err != nil {
				return published, err
			}
			continue
		}
		published++
		util.FulfillmentEventsTotal.WithLabelValues("relayed").Inc()
		s.logger.Info("Relayed fulfillment event",
			zap.String("event_id", row.ID), zap.String("intent_id", row.IntentID))
	}
	return published, nil
}

// ListUnfulfilled returns intents whose payment verified but for which no
// inventory could be bound. They need operator attention.
func (s *IntentService) ListUnfulfilled(ctx context.Context, limit int) ([]models.PaymentIntent, error) {
	ctx, span := util.StartSpan(ctx, "IntentService.ListUnfulfilled")
	defer span.End()
	return s.store.ListUnfulfilled(ctx, limit)
}

// Ready reports whether the backing store is reachable.
func (s *IntentService) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

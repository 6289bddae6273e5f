package lnaddr

import (
	"context"

	"github.com/ellemouton/lnaddr/internal/metrics"
	"github.com/ellemouton/lnaddr/invoice"
	"github.com/ellemouton/lnaddr/nip57"
	"github.com/ellemouton/lnaddr/settlement"
	"go.uber.org/zap"
)

// watchZap arranges for a receipt to be published once pr settles. Failing
// to start the watch only costs the receipt, so the invoice is still handed
// out.
func (s *Server) watchZap(zr *nip57.ZapRequest, pr *invoice.PaymentRequest) {
	log := s.log.With(zap.Stringer("hash", pr.Hash),
		zap.String("zap_request", zr.Event.ID))

	err := s.watcher.Register(pr.Hash,
		func(ctx context.Context, settled settlement.Settlement) {
			log.Info("Zapped invoice settled",
				zap.Int64("amt_paid_sat", int64(settled.AmtPaid)))

			s.sendReceipt(ctx, log, zr, pr)
		},
	)
	if err != nil {
		log.Error("Unable to watch zapped invoice, no receipt will "+
			"be sent", zap.Error(err))
	}
}

// sendReceipt builds, signs and publishes the zap receipt for pr. Failures
// are logged and never retried.
func (s *Server) sendReceipt(ctx context.Context, log *zap.Logger,
	zr *nip57.ZapRequest, pr *invoice.PaymentRequest) {

	receipt, err := s.receipts.Build(zr, pr)
	if err != nil {
		metrics.ReceiptsTotal.WithLabelValues("build_failed").Inc()
		log.Error("Unable to build zap receipt", zap.Error(err))

		return
	}

	relays := nip57.RelaySet(zr, s.cfg.Relays)

	err = s.publisher.Publish(ctx, relays, receipt)
	if err != nil {
		metrics.ReceiptsTotal.WithLabelValues("publish_failed").Inc()
		log.Error("Unable to publish zap receipt",
			zap.String("receipt", receipt.ID),
			zap.Strings("relays", relays), zap.Error(err))

		return
	}

	metrics.ReceiptsTotal.WithLabelValues("published").Inc()
	log.Info("Published zap receipt", zap.String("receipt", receipt.ID),
		zap.Int("relays", len(relays)))
}

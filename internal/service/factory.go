package service

import (
	"log/slog"

	"jobpilot.app/courier/internal/queue"
	"jobpilot.app/courier/internal/store"
)

type Services struct {
	stores      *store.Stores
	txRunner    TxRunner
	producer    queue.Producer
	limits      RateLimitSource
	maxAttempts int
	logger      *slog.Logger
}

func NewServices(stores *store.Stores, txRunner TxRunner, producer queue.Producer, limits RateLimitSource, maxAttempts int, logger *slog.Logger) *Services {
	return &Services{
		stores:      stores,
		txRunner:    txRunner,
		producer:    producer,
		limits:      limits,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

func (s *Services) Submissions() SubmissionService {
	return NewSubmissionService(s.stores, s.txRunner, s.producer, s.limits, s.maxAttempts, s.logger)
}

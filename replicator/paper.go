package replicator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/recomma/polycopy/polycopy"
)

// PaperExecutor accepts every order without reaching a venue and reports it
// as matched.
type PaperExecutor struct {
	mu     sync.Mutex
	orders []polycopy.Order
	logger *slog.Logger
}

func NewPaperExecutor(logger *slog.Logger) *PaperExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaperExecutor{logger: logger.WithGroup("paper")}
}

func (p *PaperExecutor) Submit(ctx context.Context, order polycopy.Order) (polycopy.Submission, error) {
	if err := ctx.Err(); err != nil {
		return polycopy.Submission{}, err
	}

	p.mu.Lock()
	p.orders = append(p.orders, order)
	p.mu.Unlock()

	id := uuid.NewString()
	p.logger.Debug("paper order accepted",
		slog.String("id", id),
		slog.String("cloid", order.ClientOrderID),
		slog.String("asset", order.Asset),
		slog.String("side", string(order.Side)),
		slog.Float64("size", order.Size),
		slog.Float64("price", order.Price),
	)
	return polycopy.Submission{ID: id, Status: "matched"}, nil
}

// Orders returns a copy of every accepted order.
func (p *PaperExecutor) Orders() []polycopy.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]polycopy.Order(nil), p.orders...)
}

// PaperFactory hands every copy-trade task its own PaperExecutor.
func PaperFactory(logger *slog.Logger) ExecutorFactory {
	return func(ctx context.Context, creds polycopy.Credentials) (polycopy.Executor, error) {
		return NewPaperExecutor(logger), nil
	}
}

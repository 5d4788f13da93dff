package results

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vinayprograms/ftcoll/bus"
	"github.com/vinayprograms/ftcoll/logging"
)

// Subject returns the bus subject results of a run are announced on.
func Subject(prefix, run string) string {
	if prefix == "" {
		prefix = "ftcoll"
	}
	return fmt.Sprintf("%s.%s.results", prefix, run)
}

// BusPublisher stores results in memory and announces each accepted
// result on the run's result subject for out-of-process observers.
type BusPublisher struct {
	*MemoryPublisher

	bus     bus.MessageBus
	subject string
	logger  *logging.Logger
}

// NewBusPublisher creates a publisher announcing on subject.
func NewBusPublisher(mb bus.MessageBus, subject string, logger *logging.Logger) (*BusPublisher, error) {
	if err := bus.ValidateSubject(subject); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &BusPublisher{
		MemoryPublisher: NewMemoryPublisher(),
		bus:             mb,
		subject:         subject,
		logger:          logger.WithComponent("results"),
	}, nil
}

// Publish stores the result and broadcasts it. A failed broadcast is
// logged; the result stays accepted.
func (p *BusPublisher) Publish(ctx context.Context, result Result) error {
	if err := p.MemoryPublisher.Publish(ctx, result); err != nil {
		return err
	}

	stored, err := p.MemoryPublisher.Get(ctx, result.TaskID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := p.bus.Publish(p.subject, data); err != nil {
		p.logger.Warn("result announce failed", map[string]interface{}{
			"task":  result.TaskID,
			"error": err.Error(),
		})
	}
	return nil
}

// Follow mirrors results arriving on sub into dst until ctx ends or the
// subscription closes. Duplicates and malformed payloads are skipped.
// Returns the number of results mirrored.
func Follow(ctx context.Context, sub bus.Subscription, dst ResultPublisher) (int, error) {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return n, nil
			}
			var r Result
			if err := json.Unmarshal(msg.Data, &r); err != nil {
				continue
			}
			switch err := dst.Publish(ctx, r); err {
			case nil:
				n++
			case ErrAlreadyExists, ErrInvalidTaskID, ErrInvalidStatus:
			default:
				return n, err
			}
		}
	}
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-ims/meridian/internal/directory"
	"github.com/meridian-ims/meridian/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, productID, locationID int64) (Balance, error)
	ListBalances(ctx context.Context, filter BalanceFilter, productIDs []int64) ([]Balance, int, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, int, error)
	GetEvent(ctx context.Context, eventID string) (Event, error)
	FindReversal(ctx context.Context, eventID string) (Event, error)
	ReplayBalance(ctx context.Context, productID, locationID int64) (int64, error)
	ListBalanceKeys(ctx context.Context) ([]BalanceKey, error)
	PruneZeroBalances(ctx context.Context, olderThan time.Duration) (int64, error)
}

// LocationResolver checks location references against the directory.
type LocationResolver interface {
	ResolveLocationID(ctx context.Context, id int64) (directory.Location, error)
}

// ProductResolver checks product references against the directory.
type ProductResolver interface {
	ResolveProductID(ctx context.Context, id int64) (directory.Product, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort records ledger operation outcomes.
type MetricsPort interface {
	LedgerOp(op, result string)
}

// Service coordinates ledger operations. Every mutation runs inside one
// repository transaction so the balance write and its event append commit
// together or not at all.
type Service struct {
	repo      RepositoryPort
	locations LocationResolver
	products  ProductResolver
	audit     AuditPort
	idem      *shared.IdempotencyStore
	metrics   MetricsPort
	retries   int
	now       func() time.Time
	newID     func() string
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// ConflictRetries bounds internal retries on version conflicts before
	// surfacing ErrBusy. Defaults to 3.
	ConflictRetries int
}

// NewService builds Service.
func NewService(repo RepositoryPort, locations LocationResolver, products ProductResolver, audit AuditPort, idem *shared.IdempotencyStore, metrics MetricsPort, cfg ServiceConfig) *Service {
	retries := cfg.ConflictRetries
	if retries <= 0 {
		retries = 3
	}
	return &Service{
		repo:      repo,
		locations: locations,
		products:  products,
		audit:     audit,
		idem:      idem,
		metrics:   metrics,
		retries:   retries,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     newEventID,
	}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// CreateStock performs first stocking of a (product, location) key.
// A second CREATE for the same key fails with ErrAlreadyExists; later
// changes go through AdjustStock or TransferStock.
func (s *Service) CreateStock(ctx context.Context, input CreateInput) (Balance, Event, error) {
	if input.Quantity <= 0 {
		return Balance{}, Event{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidArgument)
	}
	if input.ResponsiblePerson == "" {
		return Balance{}, Event{}, fmt.Errorf("%w: responsible person required", ErrInvalidArgument)
	}
	if err := s.resolveRefs(ctx, input.ProductID, input.LocationID); err != nil {
		return Balance{}, Event{}, err
	}

	var balance Balance
	var event Event
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		created, err := tx.InsertBalance(ctx, input.ProductID, input.LocationID)
		if err != nil {
			return err
		}
		balance, err = tx.ApplyDelta(ctx, input.ProductID, input.LocationID, input.Quantity, created.Version)
		if err != nil {
			return err
		}
		event, err = tx.InsertEvent(ctx, Event{
			ID:                s.newID(),
			Type:              EventTypeCreate,
			ProductID:         input.ProductID,
			LocationID:        input.LocationID,
			Delta:             input.Quantity,
			ResultingQuantity: balance.Quantity,
			ResponsiblePerson: input.ResponsiblePerson,
			Notes:             input.Notes,
			CreatedAt:         s.now(),
		})
		return err
	})
	if err != nil {
		s.observe("create", err)
		return Balance{}, Event{}, err
	}
	s.observe("create", nil)
	s.recordAudit(ctx, event)
	return balance, event, nil
}

// AdjustStock sets the quantity for an existing key to an absolute value.
// A zero delta is allowed and still logged: no observed change is itself
// an auditable fact.
func (s *Service) AdjustStock(ctx context.Context, input AdjustInput) (Balance, Event, error) {
	if input.ReferenceNumber == "" {
		return Balance{}, Event{}, fmt.Errorf("%w: reference number required", ErrInvalidArgument)
	}
	if input.NewQuantity < 0 {
		return Balance{}, Event{}, ErrInsufficientStock
	}
	if input.ResponsiblePerson == "" {
		return Balance{}, Event{}, fmt.Errorf("%w: responsible person required", ErrInvalidArgument)
	}
	if err := s.resolveRefs(ctx, input.ProductID, input.LocationID); err != nil {
		return Balance{}, Event{}, err
	}

	idemKey := fmt.Sprintf("ADJUST:%s:%d:%d", input.ReferenceNumber, input.ProductID, input.LocationID)
	release, err := s.claimIdempotency(ctx, idemKey)
	if err != nil {
		return Balance{}, Event{}, err
	}

	var balance Balance
	var event Event
	err = s.withConflictRetry(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			current, err := tx.GetBalance(ctx, input.ProductID, input.LocationID)
			if err != nil {
				return err
			}
			delta := input.NewQuantity - current.Quantity
			balance, err = tx.ApplyDelta(ctx, input.ProductID, input.LocationID, delta, current.Version)
			if err != nil {
				return err
			}
			event, err = tx.InsertEvent(ctx, Event{
				ID:                s.newID(),
				Type:              EventTypeAdjust,
				ProductID:         input.ProductID,
				LocationID:        input.LocationID,
				Delta:             delta,
				ResultingQuantity: balance.Quantity,
				ResponsiblePerson: input.ResponsiblePerson,
				ReferenceNumber:   input.ReferenceNumber,
				Notes:             input.Notes,
				CreatedAt:         s.now(),
			})
			return err
		})
	})
	if err != nil {
		release(ctx)
		s.observe("adjust", err)
		return Balance{}, Event{}, err
	}
	s.observe("adjust", nil)
	s.recordAudit(ctx, event)
	return balance, event, nil
}

// TransferStock moves quantity between two locations atomically. Both
// balance writes and both events commit in one transaction; row locks are
// taken in ascending location-id order so opposing transfers between the
// same pair of locations cannot deadlock.
func (s *Service) TransferStock(ctx context.Context, input TransferInput) (TransferResult, error) {
	if input.Quantity <= 0 {
		return TransferResult{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidArgument)
	}
	if input.FromLocationID == input.ToLocationID {
		return TransferResult{}, fmt.Errorf("%w: source and destination must differ", ErrInvalidArgument)
	}
	if input.ReferenceNumber == "" {
		return TransferResult{}, fmt.Errorf("%w: reference number required", ErrInvalidArgument)
	}
	if input.ResponsiblePerson == "" {
		return TransferResult{}, fmt.Errorf("%w: responsible person required", ErrInvalidArgument)
	}
	if err := s.resolveRefs(ctx, input.ProductID, input.FromLocationID); err != nil {
		return TransferResult{}, err
	}
	if _, err := s.locations.ResolveLocationID(ctx, input.ToLocationID); err != nil {
		return TransferResult{}, s.mapDirectoryErr(err)
	}

	idemKey := fmt.Sprintf("TRANSFER:%s:%d:%d:%d", input.ReferenceNumber, input.ProductID, input.FromLocationID, input.ToLocationID)
	release, err := s.claimIdempotency(ctx, idemKey)
	if err != nil {
		return TransferResult{}, err
	}

	var result TransferResult
	err = s.withConflictRetry(ctx, func(ctx context.Context) error {
		var txErr error
		result, txErr = s.transferTx(ctx, input, "", "")
		return txErr
	})
	if err != nil {
		release(ctx)
		s.observe("transfer", err)
		return TransferResult{}, err
	}
	s.observe("transfer", nil)
	s.recordAudit(ctx, result.OutEvent)
	return result, nil
}

// transferTx runs the two-phase apply for a transfer inside one
// transaction. outReversalOf/inReversalOf tag the produced events when the
// transfer compensates a prior one.
func (s *Service) transferTx(ctx context.Context, input TransferInput, outReversalOf, inReversalOf string) (TransferResult, error) {
	var result TransferResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var source, dest Balance
		// Lock in ascending location-id order, never request order.
		for _, locationID := range lockOrder(input.FromLocationID, input.ToLocationID) {
			bal, err := tx.GetBalanceForUpdate(ctx, input.ProductID, locationID)
			if locationID == input.FromLocationID {
				if err != nil {
					return err
				}
				source = bal
				continue
			}
			if errors.Is(err, ErrNotFound) {
				bal, err = tx.InsertBalance(ctx, input.ProductID, locationID)
				// A concurrent transfer can commit the destination row
				// between the snapshot read and this insert. Surface it
				// as a conflict so the retry re-reads and locks the row.
				if errors.Is(err, ErrAlreadyExists) {
					return ErrConflict
				}
			}
			if err != nil {
				return err
			}
			dest = bal
		}
		if source.Quantity < input.Quantity {
			return ErrInsufficientStock
		}

		var err error
		result.Source, err = tx.ApplyDelta(ctx, input.ProductID, input.FromLocationID, -input.Quantity, source.Version)
		if err != nil {
			return err
		}
		result.Destination, err = tx.ApplyDelta(ctx, input.ProductID, input.ToLocationID, input.Quantity, dest.Version)
		if err != nil {
			return err
		}

		outID, inID := s.newID(), s.newID()
		now := s.now()
		result.OutEvent, err = tx.InsertEvent(ctx, Event{
			ID:                 outID,
			Type:               EventTypeTransferOut,
			ProductID:          input.ProductID,
			LocationID:         input.FromLocationID,
			Delta:              -input.Quantity,
			ResultingQuantity:  result.Source.Quantity,
			ResponsiblePerson:  input.ResponsiblePerson,
			ReferenceNumber:    input.ReferenceNumber,
			Notes:              input.Notes,
			CounterpartEventID: inID,
			ReversalOf:         outReversalOf,
			CreatedAt:          now,
		})
		if err != nil {
			return err
		}
		result.InEvent, err = tx.InsertEvent(ctx, Event{
			ID:                 inID,
			Type:               EventTypeTransferIn,
			ProductID:          input.ProductID,
			LocationID:         input.ToLocationID,
			Delta:              input.Quantity,
			ResultingQuantity:  result.Destination.Quantity,
			ResponsiblePerson:  input.ResponsiblePerson,
			ReferenceNumber:    input.ReferenceNumber,
			Notes:              input.Notes,
			CounterpartEventID: outID,
			ReversalOf:         inReversalOf,
			CreatedAt:          now,
		})
		return err
	})
	if err != nil {
		return TransferResult{}, err
	}
	return result, nil
}

// ReverseEvent appends a compensating event for a prior mutation. History
// is never deleted; a "delete" request maps here. Reversing an event that
// is itself a reversal, or one already reversed, is rejected.
func (s *Service) ReverseEvent(ctx context.Context, input ReverseInput) ([]Event, error) {
	if input.EventID == "" {
		return nil, fmt.Errorf("%w: event id required", ErrInvalidArgument)
	}
	if input.ResponsiblePerson == "" {
		return nil, fmt.Errorf("%w: responsible person required", ErrInvalidArgument)
	}
	original, err := s.repo.GetEvent(ctx, input.EventID)
	if err != nil {
		return nil, err
	}
	if original.ReversalOf != "" {
		return nil, fmt.Errorf("%w: event %s is itself a reversal", ErrInvalidArgument, original.ID)
	}
	if _, err := s.repo.FindReversal(ctx, original.ID); err == nil {
		return nil, fmt.Errorf("%w: event %s already reversed", ErrAlreadyExists, original.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	idemKey := fmt.Sprintf("REVERSE:%s", original.ID)
	release, err := s.claimIdempotency(ctx, idemKey)
	if err != nil {
		return nil, err
	}

	reversalNote := fmt.Sprintf("reversal of event %s", original.ID)
	reference := fmt.Sprintf("REV-%s", original.ID)

	switch original.Type {
	case EventTypeCreate, EventTypeAdjust:
		var event Event
		err = s.withConflictRetry(ctx, func(ctx context.Context) error {
			return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				current, err := tx.GetBalance(ctx, original.ProductID, original.LocationID)
				if err != nil {
					return err
				}
				var applyErr error
				balance, applyErr := tx.ApplyDelta(ctx, original.ProductID, original.LocationID, -original.Delta, current.Version)
				if applyErr != nil {
					return applyErr
				}
				event, applyErr = tx.InsertEvent(ctx, Event{
					ID:                s.newID(),
					Type:              EventTypeAdjust,
					ProductID:         original.ProductID,
					LocationID:        original.LocationID,
					Delta:             -original.Delta,
					ResultingQuantity: balance.Quantity,
					ResponsiblePerson: input.ResponsiblePerson,
					ReferenceNumber:   reference,
					Notes:             reversalNote,
					ReversalOf:        original.ID,
					CreatedAt:         s.now(),
				})
				return applyErr
			})
		})
		if err != nil {
			release(ctx)
			s.observe("reverse", err)
			return nil, err
		}
		s.observe("reverse", nil)
		s.recordAudit(ctx, event)
		return []Event{event}, nil

	case EventTypeTransferOut, EventTypeTransferIn:
		out, in := original, original
		if original.Type == EventTypeTransferOut {
			in, err = s.repo.GetEvent(ctx, original.CounterpartEventID)
		} else {
			out, err = s.repo.GetEvent(ctx, original.CounterpartEventID)
		}
		if err != nil {
			release(ctx)
			return nil, err
		}
		// Reverse transfer: move the quantity back from destination to source.
		var result TransferResult
		err = s.withConflictRetry(ctx, func(ctx context.Context) error {
			var txErr error
			result, txErr = s.transferTx(ctx, TransferInput{
				ProductID:         original.ProductID,
				FromLocationID:    in.LocationID,
				ToLocationID:      out.LocationID,
				Quantity:          in.Delta,
				ReferenceNumber:   reference,
				Notes:             reversalNote,
				ResponsiblePerson: input.ResponsiblePerson,
			}, in.ID, out.ID)
			return txErr
		})
		if err != nil {
			release(ctx)
			s.observe("reverse", err)
			return nil, err
		}
		s.observe("reverse", nil)
		s.recordAudit(ctx, result.OutEvent)
		return []Event{result.OutEvent, result.InEvent}, nil

	default:
		release(ctx)
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidArgument, original.Type)
	}
}

// GetBalance returns the current balance for a key.
func (s *Service) GetBalance(ctx context.Context, productID, locationID int64) (Balance, error) {
	return s.repo.GetBalance(ctx, productID, locationID)
}

// GetEvent returns a single event.
func (s *Service) GetEvent(ctx context.Context, eventID string) (Event, error) {
	return s.repo.GetEvent(ctx, eventID)
}

// resolveRefs checks product and location against the directories before
// any write happens.
func (s *Service) resolveRefs(ctx context.Context, productID, locationID int64) error {
	if _, err := s.products.ResolveProductID(ctx, productID); err != nil {
		return s.mapDirectoryErr(err)
	}
	if _, err := s.locations.ResolveLocationID(ctx, locationID); err != nil {
		return s.mapDirectoryErr(err)
	}
	return nil
}

func (s *Service) mapDirectoryErr(err error) error {
	if errors.Is(err, directory.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// withConflictRetry retries fn on version conflicts a bounded number of
// times, then surfaces ErrBusy. InsufficientStock is a business rejection
// and is never retried.
func (s *Service) withConflictRetry(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 0; attempt < s.retries; attempt++ {
		err := fn(ctx)
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return ErrBusy
}

// claimIdempotency inserts the operation key, mapping duplicates to
// ErrAlreadyExists. The returned release removes the key again when the
// operation fails so a corrected resubmission is not locked out.
func (s *Service) claimIdempotency(ctx context.Context, key string) (func(context.Context), error) {
	if s.idem == nil {
		return func(context.Context) {}, nil
	}
	if err := s.idem.CheckAndInsert(ctx, key, "ledger"); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			return nil, fmt.Errorf("%w: duplicate request %s", ErrAlreadyExists, key)
		}
		return nil, err
	}
	return func(ctx context.Context) {
		_ = s.idem.Delete(ctx, key)
	}, nil
}

func (s *Service) observe(op string, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		switch {
		case errors.Is(err, ErrInsufficientStock):
			result = "insufficient_stock"
		case errors.Is(err, ErrConflict), errors.Is(err, ErrBusy):
			result = "contention"
		case errors.Is(err, ErrAlreadyExists):
			result = "duplicate"
		case errors.Is(err, ErrNotFound):
			result = "not_found"
		}
	}
	s.metrics.LedgerOp(op, result)
}

func (s *Service) recordAudit(ctx context.Context, event Event) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Actor:    event.ResponsiblePerson,
		Action:   fmt.Sprintf("ledger:%s", event.Type),
		Entity:   "stock_event",
		EntityID: event.ID,
		Meta: map[string]any{
			"product_id":  event.ProductID,
			"location_id": event.LocationID,
			"delta":       event.Delta,
			"resulting":   event.ResultingQuantity,
			"reference":   event.ReferenceNumber,
		},
	})
}

func lockOrder(a, b int64) [2]int64 {
	if a < b {
		return [2]int64{a, b}
	}
	return [2]int64{b, a}
}

// Package dispatch runs the offer rounds that turn a requested order into
// an accepted one. Candidates are tried one at a time, nearest first, each
// with its own acceptance window.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
)

type Orders interface {
	Get(ctx context.Context, id string) (*models.Order, error)
	MarkBooked(ctx context.Context, id string) (*models.Order, error)
	AcceptOffer(ctx context.Context, id, driverID string) (*models.Order, error)
	Terminalize(ctx context.Context, id string, to models.OrderStatus) (*models.Order, error)
	PendingDispatch(ctx context.Context) ([]string, error)
}

type Catalog interface {
	Service(ctx context.Context, id string) (models.Service, error)
}

type CandidateSource interface {
	Candidates(ctx context.Context, o *models.Order, svc models.Service) (matcher.Result, error)
}

type Locator interface {
	Driver(ctx context.Context, id string) (models.Driver, bool, error)
}

type Router interface {
	EstimateRoute(ctx context.Context, from, to models.Coord) (models.RouteMetrics, error)
}

type Config struct {
	AcceptTimeout time.Duration
	MaxDuration   time.Duration
	Retention     time.Duration
}

type Result struct {
	OrderID  string             `json:"order_id"`
	Status   models.OrderStatus `json:"status"`
	DriverID string             `json:"driver_id,omitempty"`
}

type session struct {
	orderID string
	cancel  context.CancelFunc

	mu       sync.Mutex
	offer    *Offer
	attempts []Attempt
	aborted  bool
}

type record struct {
	attempts []Attempt
	at       time.Time
}

type Coordinator struct {
	orders   Orders
	catalog  Catalog
	matcher  CandidateSource
	locator  Locator
	router   Router
	notifier notify.Notifier
	logger   *slog.Logger
	cfg      Config

	mu       sync.Mutex
	sessions map[string]*session
	history  map[string]record
	wg       sync.WaitGroup
}

func NewCoordinator(orders Orders, catalog Catalog, m CandidateSource, locator Locator, router Router, notifier notify.Notifier, logger *slog.Logger, cfg Config) *Coordinator {
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = 15 * time.Second
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 3 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Coordinator{
		orders:   orders,
		catalog:  catalog,
		matcher:  m,
		locator:  locator,
		router:   router,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		sessions: make(map[string]*session),
		history:  make(map[string]record),
	}
}

// Start runs Dispatch in the background.
func (c *Coordinator) Start(ctx context.Context, orderID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.Dispatch(ctx, orderID); err != nil {
			c.logger.Error("dispatch failed", "order_id", orderID, "error", err)
		}
	}()
}

// Wait blocks until every background dispatch has returned.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Resume starts a dispatch for every stored order that still waits for a
// driver and has no session here. It returns how many were started.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	ids, err := c.orders.PendingDispatch(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if c.Active(id) {
			continue
		}
		c.Start(ctx, id)
		n++
	}
	if n > 0 {
		c.logger.Info("resumed pending dispatches", "count", n)
	}
	return n, nil
}

// Redispatch starts a new dispatch for an order that is Requested or
// Booked and not already being offered. The dispatch runs under ctx.
func (c *Coordinator) Redispatch(ctx context.Context, orderID string) error {
	if c.Active(orderID) {
		return apperr.New(apperr.ErrConflict, "order is already being dispatched")
	}
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != models.StatusRequested && o.Status != models.StatusBooked {
		return fmt.Errorf("order %s is %s: %w", orderID, o.Status, apperr.ErrConflict)
	}
	c.Start(ctx, orderID)
	return nil
}

// Dispatch offers the order to candidates in turn until one accepts, the
// list runs out, the time budget is spent, or the dispatch is aborted.
// Running out of drivers is reported through Result.Status, not an error.
func (c *Coordinator) Dispatch(ctx context.Context, orderID string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.MaxDuration)
	defer cancel()
	s, err := c.register(orderID, cancel)
	if err != nil {
		return Result{}, err
	}
	defer c.unregister(s)
	started := time.Now()
	defer func() { observability.DispatchDuration.Observe(time.Since(started).Seconds()) }()

	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if o.Status != models.StatusRequested && o.Status != models.StatusBooked {
		return Result{}, fmt.Errorf("order %s is %s: %w", orderID, o.Status, apperr.ErrConflict)
	}
	svc, err := c.catalog.Service(ctx, o.ServiceID)
	if err != nil {
		return Result{}, err
	}
	res, err := c.matcher.Candidates(ctx, o, svc)
	if err != nil {
		return Result{}, err
	}
	switch {
	case res.InRadius == 0:
		return c.exhausted(ctx, o, models.StatusNoCloseFound)
	case len(res.Eligible) == 0:
		return c.exhausted(ctx, o, models.StatusNotFound)
	}

	for _, cand := range res.Eligible {
		outcome, err := c.offer(ctx, s, o, cand)
		if err != nil {
			return Result{}, err
		}
		switch outcome {
		case OutcomeAccepted:
			observability.DispatchResultsTotal.WithLabelValues("accepted").Inc()
			return Result{OrderID: orderID, Status: models.StatusDriverAccepted, DriverID: cand.Driver.ID}, nil
		case OutcomeCancelled:
			return c.stopped(ctx, s, o)
		}
	}
	return c.exhausted(ctx, o, models.StatusNotFound)
}

func (c *Coordinator) offer(ctx context.Context, s *session, o *models.Order, cand geo.Candidate) (Outcome, error) {
	if ctx.Err() != nil {
		return OutcomeCancelled, nil
	}
	// the booked copy carries any coupon applied since the last round
	cur, err := c.orders.MarkBooked(ctx, o.ID)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return OutcomeCancelled, nil
		}
		return "", err
	}
	o = cur

	driverID := cand.Driver.ID
	off := newOffer(o.ID, driverID, time.Now().UTC(), c.cfg.AcceptTimeout)
	s.mu.Lock()
	s.offer = off
	s.attempts = append(s.attempts, Attempt{
		OrderID:   o.ID,
		DriverID:  driverID,
		OfferedAt: off.OfferedAt,
		ExpiresAt: off.ExpiresAt(),
		Outcome:   OutcomePending,
	})
	idx := len(s.attempts) - 1
	s.mu.Unlock()

	finish := func(out Outcome) Outcome {
		off.close()
		now := time.Now().UTC()
		s.mu.Lock()
		s.offer = nil
		s.attempts[idx].Outcome = out
		s.attempts[idx].RespondedAt = &now
		s.mu.Unlock()
		observability.OffersTotal.WithLabelValues(string(out)).Inc()
		return out
	}

	c.notifier.Notify(ctx, notify.Driver(driverID), notify.EventOffer, map[string]any{
		"order_id":   o.ID,
		"pickup":     o.Pickup,
		"dropoff":    o.Dropoff,
		"fare":       o.FinalFare,
		"distance_m": cand.DistanceM,
		"expires_at": off.ExpiresAt(),
	})

	select {
	case r := <-off.responses:
		if !r.accept {
			r.reply <- nil
			return finish(OutcomeRejected), nil
		}
		err := c.accept(ctx, o.ID, driverID)
		switch {
		case err == nil:
			r.reply <- nil
			finish(OutcomeAccepted)
			c.announceDriver(ctx, o, cand)
			return OutcomeAccepted, nil
		case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrNotFound):
			r.reply <- err
			return finish(OutcomeCancelled), nil
		}
		// nothing was written; the order is still Booked and the next
		// candidate gets it
		c.logger.Error("offer acceptance not recorded", "order_id", o.ID, "driver_id", driverID, "error", err)
		r.reply <- err
		return finish(OutcomeFailed), nil
	case <-off.timer.C:
		c.notifier.Notify(ctx, notify.Driver(driverID), notify.EventOfferExpired, map[string]any{"order_id": o.ID})
		return finish(OutcomeTimedOut), nil
	case <-ctx.Done():
		c.notifier.Notify(context.WithoutCancel(ctx), notify.Driver(driverID), notify.EventOfferWithdrawn, map[string]any{"order_id": o.ID})
		return finish(OutcomeCancelled), nil
	}
}

// accept hands the order to driverID in one write. When the write reports
// a transport error the order is read back, since the write may still
// have landed.
func (c *Coordinator) accept(ctx context.Context, orderID, driverID string) error {
	_, err := c.orders.AcceptOffer(ctx, orderID, driverID)
	if err == nil || errors.Is(err, apperr.ErrConflict) || errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	cur, gerr := c.orders.Get(context.WithoutCancel(ctx), orderID)
	if gerr == nil && cur.Status == models.StatusDriverAccepted && cur.AssignedTo(driverID) {
		return nil
	}
	return err
}

// DriverFound is everything the rider app needs to show the match.
type DriverFound struct {
	OrderID    string         `json:"order_id"`
	DriverID   string         `json:"driver_id"`
	Vehicle    models.Vehicle `json:"vehicle"`
	Rating     float64        `json:"rating"`
	Location   models.Coord   `json:"location"`
	ETASeconds float64        `json:"eta_seconds"`
	DistanceM  float64        `json:"distance_m"`
}

func (c *Coordinator) announceDriver(ctx context.Context, o *models.Order, cand geo.Candidate) {
	d := cand.Driver
	if c.locator != nil {
		if fresh, ok, err := c.locator.Driver(ctx, d.ID); err == nil && ok {
			d = fresh
		}
	}
	payload := DriverFound{
		OrderID:   o.ID,
		DriverID:  d.ID,
		Vehicle:   d.Vehicle,
		Rating:    d.Rating,
		Location:  d.Loc,
		DistanceM: cand.DistanceM,
	}
	if c.router != nil {
		if route, err := c.router.EstimateRoute(ctx, d.Loc, o.Pickup.Loc); err == nil {
			payload.ETASeconds = route.DurationS
		} else {
			c.logger.Warn("driver eta unavailable", "order_id", o.ID, "driver_id", d.ID, "error", err)
		}
	}
	c.notifier.Notify(ctx, notify.Rider(o.CustomerID), notify.EventDriverFound, payload)
	c.notifier.Notify(ctx, notify.Order(o.ID), notify.EventDriverFound, payload)
}

// stopped handles a session that ended without a winner: either the time
// budget ran out or the order was cancelled underneath us.
func (c *Coordinator) stopped(ctx context.Context, s *session, o *models.Order) (Result, error) {
	s.mu.Lock()
	aborted := s.aborted
	s.mu.Unlock()
	if !aborted && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return c.exhausted(ctx, o, models.StatusExpired)
	}
	observability.DispatchResultsTotal.WithLabelValues("aborted").Inc()
	cur, err := c.orders.Get(context.WithoutCancel(ctx), o.ID)
	if err != nil {
		return Result{}, err
	}
	c.logger.Info("dispatch stopped", "order_id", o.ID, "status", cur.Status)
	return Result{OrderID: o.ID, Status: cur.Status}, nil
}

func (c *Coordinator) exhausted(ctx context.Context, o *models.Order, status models.OrderStatus) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	cur, err := c.orders.Terminalize(ctx, o.ID, status)
	if errors.Is(err, apperr.ErrConflict) {
		// cancelled or otherwise finished concurrently
		if cur, gerr := c.orders.Get(ctx, o.ID); gerr == nil {
			return Result{OrderID: o.ID, Status: cur.Status}, nil
		}
	}
	if err != nil {
		return Result{}, err
	}
	observability.DispatchResultsTotal.WithLabelValues(string(status)).Inc()
	c.logger.Info("dispatch exhausted", "order_id", o.ID, "status", status)
	payload := map[string]any{"order_id": o.ID, "status": status, "message": "no drivers available"}
	c.notifier.Notify(ctx, notify.Rider(o.CustomerID), notify.EventNoDriver, payload)
	c.notifier.Notify(ctx, notify.Admins, notify.EventNoDriver, payload)
	return Result{OrderID: o.ID, Status: cur.Status}, nil
}

// RespondToOffer delivers a driver's answer to the open offer and waits
// for the verdict. For an acceptance only the driver that actually gets
// the order sees nil.
func (c *Coordinator) RespondToOffer(ctx context.Context, orderID, driverID string, accept bool) error {
	c.mu.Lock()
	s := c.sessions[orderID]
	c.mu.Unlock()
	if s == nil {
		return ErrNoOffer
	}
	s.mu.Lock()
	off := s.offer
	s.mu.Unlock()
	if off == nil || off.DriverID != driverID {
		return ErrNoOffer
	}
	reply, ok := off.respond(accept)
	if !ok {
		return ErrNoOffer
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort stops the dispatch of orderID, if one is running. The open offer's
// timer is released and no further offers go out.
func (c *Coordinator) Abort(orderID string) {
	c.mu.Lock()
	s := c.sessions[orderID]
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
	s.cancel()
}

// FareChanged re-sends the fare of the open offer for o, if there is one.
// Later offers read the fare from the store.
func (c *Coordinator) FareChanged(ctx context.Context, o *models.Order) {
	c.mu.Lock()
	s := c.sessions[o.ID]
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	off := s.offer
	s.mu.Unlock()
	if off == nil {
		return
	}
	c.notifier.Notify(ctx, notify.Driver(off.DriverID), notify.EventOfferUpdated, map[string]any{
		"order_id":   o.ID,
		"fare":       o.FinalFare,
		"expires_at": off.ExpiresAt(),
	})
}

// Attempts returns the offer history of an order, live or retained.
func (c *Coordinator) Attempts(orderID string) []Attempt {
	c.mu.Lock()
	s := c.sessions[orderID]
	rec, ok := c.history[orderID]
	c.mu.Unlock()
	if s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return append([]Attempt(nil), s.attempts...)
	}
	if ok {
		return append([]Attempt(nil), rec.attempts...)
	}
	return nil
}

// Active reports whether a dispatch session is running for orderID.
func (c *Coordinator) Active(orderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[orderID]
	return ok
}

func (c *Coordinator) register(orderID string, cancel context.CancelFunc) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[orderID]; ok {
		return nil, apperr.New(apperr.ErrConflict, "order is already being dispatched")
	}
	s := &session{orderID: orderID, cancel: cancel}
	// a re-dispatch keeps the earlier audit trail
	if rec, ok := c.history[orderID]; ok {
		s.attempts = rec.attempts
		delete(c.history, orderID)
	}
	c.sessions[orderID] = s
	return s, nil
}

func (c *Coordinator) unregister(s *session) {
	s.mu.Lock()
	attempts := s.attempts
	s.mu.Unlock()

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s.orderID)
	c.history[s.orderID] = record{attempts: attempts, at: now}
	for id, rec := range c.history {
		if now.Sub(rec.at) > c.cfg.Retention {
			delete(c.history, id)
		}
	}
}

// Package metrics keeps in-process counters for the payment service.
// Values reset on restart.
package metrics

import (
	"sync/atomic"

	"github.com/frahmantamala/listing-payment/internal/core/datamodel/payment"
)

type Counters struct {
	totalPayments   atomic.Int64
	pendingPayments atomic.Int64
	successPayments atomic.Int64
	failedPayments  atomic.Int64
	initiateCalls   atomic.Int64
	statusCalls     atomic.Int64
	webhookCalls    atomic.Int64
	returnCalls     atomic.Int64
	sweepRuns       atomic.Int64
	sweptPayments   atomic.Int64
}

// Snapshot is the JSON shape served on /metrics.
type Snapshot struct {
	TotalPayments   int64 `json:"total_payments"`
	PendingPayments int64 `json:"pending_payments"`
	SuccessPayments int64 `json:"success_payments"`
	FailedPayments  int64 `json:"failed_payments"`
	InitiateCalls   int64 `json:"initiate_calls"`
	StatusCalls     int64 `json:"status_calls"`
	WebhookCalls    int64 `json:"webhook_calls"`
	ReturnCalls     int64 `json:"return_calls"`
	SweepRuns       int64 `json:"timeout_sweep_runs"`
	SweptPayments   int64 `json:"timed_out_payments"`
}

func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) InitiateCalled() { c.initiateCalls.Add(1) }
func (c *Counters) StatusCalled()   { c.statusCalls.Add(1) }
func (c *Counters) WebhookCalled()  { c.webhookCalls.Add(1) }
func (c *Counters) ReturnCalled()   { c.returnCalls.Add(1) }

func (c *Counters) PaymentCreated() {
	c.totalPayments.Add(1)
	c.pendingPayments.Add(1)
}

// PaymentResolved moves one payment out of pending. Only called for a
// transition that actually happened.
func (c *Counters) PaymentResolved(status payment.Status) {
	switch status {
	case payment.StatusSuccess:
		c.successPayments.Add(1)
	case payment.StatusFailed:
		c.failedPayments.Add(1)
	default:
		return
	}
	c.pendingPayments.Add(-1)
}

func (c *Counters) SweepRan(timedOut int) {
	c.sweepRuns.Add(1)
	c.sweptPayments.Add(int64(timedOut))
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		TotalPayments:   c.totalPayments.Load(),
		PendingPayments: c.pendingPayments.Load(),
		SuccessPayments: c.successPayments.Load(),
		FailedPayments:  c.failedPayments.Load(),
		InitiateCalls:   c.initiateCalls.Load(),
		StatusCalls:     c.statusCalls.Load(),
		WebhookCalls:    c.webhookCalls.Load(),
		ReturnCalls:     c.returnCalls.Load(),
		SweepRuns:       c.sweepRuns.Load(),
		SweptPayments:   c.sweptPayments.Load(),
	}
}

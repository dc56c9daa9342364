package rest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	gatewaytypes "github.com/frahmantamala/listing-payment/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/listing-payment/internal/notification"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"

	healthCheckTimeout = 3 * time.Second
	alertTimeout       = 10 * time.Second
)

type HealthResponse struct {
	Status     HealthStatus          `json:"status"`
	CheckedAt  time.Time             `json:"checked_at"`
	Components map[string]CheckEntry `json:"components"`
}

type CheckEntry struct {
	Status     HealthStatus   `json:"status"`
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CheckedAt  time.Time      `json:"checked_at"`
	DurationMs int64          `json:"duration_ms"`
}

// Pinger is satisfied by *sqlx.DB and *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type GatewayChecker interface {
	ListBanks(ctx context.Context) ([]gatewaytypes.Bank, error)
}

type HealthHandler struct {
	db      Pinger
	gateway GatewayChecker

	alerts  notification.Sender
	alertTo notification.Recipient
	logger  *slog.Logger

	mu   sync.Mutex
	last HealthStatus
}

func NewHealthHandler(db Pinger, gateway GatewayChecker) *HealthHandler {
	return &HealthHandler{db: db, gateway: gateway, last: HealthHealthy}
}

// WithAlerts sends a health_alert to the given recipient whenever the overall
// status changes between checks.
func (h *HealthHandler) WithAlerts(sender notification.Sender, to notification.Recipient, logger *slog.Logger) *HealthHandler {
	h.alerts = sender
	h.alertTo = to
	h.logger = logger
	return h
}

func (h *HealthHandler) pingHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// healthCheckHandler checks the database and the payment gateway in parallel.
func (h *HealthHandler) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	var (
		wg                conc.WaitGroup
		database, gateway CheckEntry
	)
	wg.Go(func() {
		database = runCheck(ctx, func(ctx context.Context) (map[string]any, error) {
			return nil, h.db.PingContext(ctx)
		})
	})
	wg.Go(func() {
		gateway = runCheck(ctx, func(ctx context.Context) (map[string]any, error) {
			banks, err := h.gateway.ListBanks(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"banks": len(banks)}, nil
		})
	})
	wg.Wait()

	components := map[string]CheckEntry{
		"database": database,
		"gateway":  gateway,
	}

	resp := HealthResponse{
		Status:     HealthHealthy,
		CheckedAt:  time.Now().UTC(),
		Components: components,
	}
	for _, c := range components {
		if c.Status == HealthUnhealthy {
			resp.Status = HealthUnhealthy
		}
	}

	h.recordStatus(r.Context(), resp)

	statusCode := http.StatusOK
	if resp.Status == HealthUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

// recordStatus remembers the overall status and alerts on a change.
func (h *HealthHandler) recordStatus(ctx context.Context, resp HealthResponse) {
	h.mu.Lock()
	changed := resp.Status != h.last
	h.last = resp.Status
	h.mu.Unlock()

	if !changed || h.alerts == nil {
		return
	}

	var failing []string
	for name, c := range resp.Components {
		if c.Status == HealthUnhealthy {
			failing = append(failing, name+": "+c.Message)
		}
	}
	sort.Strings(failing)
	details := "all components healthy"
	if len(failing) > 0 {
		details = strings.Join(failing, "; ")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
		defer cancel()

		err := h.alerts.Send(ctx, h.alertTo, notification.TemplateHealthAlert, map[string]string{
			"status":  string(resp.Status),
			"details": details,
		})
		if err != nil && h.logger != nil {
			h.logger.Error("health alert failed", "status", resp.Status, "error", err)
		}
	}()
}

func runCheck(ctx context.Context, fn func(context.Context) (map[string]any, error)) CheckEntry {
	start := time.Now()
	details, err := fn(ctx)

	entry := CheckEntry{
		Status:     HealthHealthy,
		Details:    details,
		CheckedAt:  time.Now().UTC(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Status = HealthUnhealthy
		entry.Message = err.Error()
	}
	return entry
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

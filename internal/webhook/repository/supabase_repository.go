package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bwmarrin/snowflake"
	webhookdomain "github.com/presenq/billing/internal/webhook/domain"
)

const (
	supabaseSchema = "presenq_mvp"
	supabaseTable  = "mercadopago_webhook_events"
)

// SupabaseConfig locates the PostgREST endpoint.
type SupabaseConfig struct {
	BaseURL        string
	ServiceRoleKey string
}

type supabaseRepo struct {
	cfg    SupabaseConfig
	client *http.Client
	genID  *snowflake.Node
}

// NewSupabase builds the document/REST event store. It mirrors the relational
// implementation's external behavior, including uniqueness (PostgREST 409 ->
// ErrDuplicateEvent) and oldest-first ordering of ListFailed.
func NewSupabase(cfg SupabaseConfig, client *http.Client, genID *snowflake.Node) webhookdomain.Repository {
	if client == nil {
		client = http.DefaultClient
	}
	return &supabaseRepo{cfg: cfg, client: client, genID: genID}
}

func (r *supabaseRepo) FindByEventID(ctx context.Context, eventID string) (*webhookdomain.Event, error) {
	query := url.Values{}
	query.Set("mercadopago_event_id", "eq."+eventID)
	query.Set("select", "*")
	query.Set("limit", "1")

	var rows []webhookdomain.Event
	if err := r.do(ctx, http.MethodGet, query, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *supabaseRepo) Create(ctx context.Context, event *webhookdomain.Event) (*webhookdomain.Event, error) {
	if event.ID == 0 {
		event.ID = r.genID.Generate()
	}

	var rows []webhookdomain.Event
	err := r.do(ctx, http.MethodPost, nil, event, &rows)
	if err != nil {
		var restErr *restError
		if errors.As(err, &restErr) && restErr.StatusCode == http.StatusConflict {
			return nil, webhookdomain.ErrDuplicateEvent
		}
		return nil, err
	}
	if len(rows) == 0 {
		return event, nil
	}
	return &rows[0], nil
}

func (r *supabaseRepo) UpdateStatusByEventID(ctx context.Context, eventID string, update webhookdomain.StatusUpdate) (*webhookdomain.Event, error) {
	patch := map[string]any{}
	if update.Status != nil {
		patch["status"] = *update.Status
	}
	if update.ClearLastError {
		patch["last_error"] = nil
	} else if update.LastError != nil {
		patch["last_error"] = *update.LastError
	}

	if update.IncrementAttempts {
		// PostgREST cannot express column = column + 1; read then write.
		current, err := r.FindByEventID(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, webhookdomain.ErrEventNotFound
		}
		patch["process_attempts"] = current.ProcessAttempts + 1
	}

	if len(patch) == 0 {
		existing, err := r.FindByEventID(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, webhookdomain.ErrEventNotFound
		}
		return existing, nil
	}

	query := url.Values{}
	query.Set("mercadopago_event_id", "eq."+eventID)

	var rows []webhookdomain.Event
	if err := r.do(ctx, http.MethodPatch, query, patch, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, webhookdomain.ErrEventNotFound
	}
	return &rows[0], nil
}

func (r *supabaseRepo) ListFailed(ctx context.Context, limit int) ([]webhookdomain.Event, error) {
	query := url.Values{}
	query.Set("status", "eq."+string(webhookdomain.StatusFailed))
	query.Set("order", "received_at.asc")
	query.Set("limit", strconv.Itoa(limit))
	query.Set("select", "*")

	var rows []webhookdomain.Event
	if err := r.do(ctx, http.MethodGet, query, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

type restError struct {
	StatusCode int
	Body       string
}

func (e *restError) Error() string {
	return fmt.Sprintf("supabase_request_failed: status=%d body=%s", e.StatusCode, e.Body)
}

func (r *supabaseRepo) do(ctx context.Context, method string, query url.Values, body any, out *[]webhookdomain.Event) error {
	endpoint := r.cfg.BaseURL + "/rest/v1/" + supabaseTable
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", r.cfg.ServiceRoleKey)
	req.Header.Set("Authorization", "Bearer "+r.cfg.ServiceRoleKey)
	if method == http.MethodGet {
		req.Header.Set("Accept-Profile", supabaseSchema)
	} else {
		req.Header.Set("Content-Profile", supabaseSchema)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &restError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return err
		}
	}
	return nil
}

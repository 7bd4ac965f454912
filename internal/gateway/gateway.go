// Package gateway provides clients for the services the orchestrator talks to:
// reservations, the technician directory and job creation.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/technician-matching/internal/errs"
	"github.com/example/technician-matching/internal/models"
)

// HTTPClient talks JSON over HTTP to the reservation, directory and job services.
// It is safe for concurrent use.
type HTTPClient struct {
	ReservationURL string
	DirectoryURL   string
	JobURL         string
	Client         *http.Client
}

func NewHTTPClient(reservationURL, directoryURL, jobURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		ReservationURL: strings.TrimRight(reservationURL, "/"),
		DirectoryURL:   strings.TrimRight(directoryURL, "/"),
		JobURL:         strings.TrimRight(jobURL, "/"),
		Client:         &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) GetReservation(ctx context.Context, id string) (models.Reservation, error) {
	var r models.Reservation
	err := c.do(ctx, http.MethodGet, c.ReservationURL+"/reservations/"+url.PathEscape(id), nil, &r)
	return r, err
}

func (c *HTTPClient) UpdateReservationStatus(ctx context.Context, id, status, technicianID string) error {
	body := map[string]string{"status": status, "technician_id": technicianID}
	return c.do(ctx, http.MethodPatch, c.ReservationURL+"/reservations/"+url.PathEscape(id)+"/status", body, nil)
}

func (c *HTTPClient) CreateJob(ctx context.Context, reservationID, technicianID string) (models.Job, error) {
	var j models.Job
	body := map[string]string{"reservation_id": reservationID, "technician_id": technicianID}
	err := c.do(ctx, http.MethodPost, c.JobURL+"/jobs", body, &j)
	return j, err
}

func (c *HTTPClient) GetTechnician(ctx context.Context, id string) (models.Technician, error) {
	var t models.Technician
	err := c.do(ctx, http.MethodGet, c.DirectoryURL+"/technicians/"+url.PathEscape(id), nil, &t)
	return t, err
}

// FindAvailable queries the directory service for technicians near loc.
func (c *HTTPClient) FindAvailable(ctx context.Context, serviceID string, loc models.Coord, radiusKm float64, exclude []string) ([]models.Candidate, error) {
	q := url.Values{}
	q.Set("service_id", serviceID)
	q.Set("lat", strconv.FormatFloat(loc.Lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(loc.Lon, 'f', 6, 64))
	q.Set("radius_km", strconv.FormatFloat(radiusKm, 'f', -1, 64))
	if len(exclude) > 0 {
		q.Set("exclude", strings.Join(exclude, ","))
	}
	var out struct {
		Technicians []models.Candidate `json:"technicians"`
	}
	if err := c.do(ctx, http.MethodGet, c.DirectoryURL+"/technicians/available?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	if out.Technicians == nil {
		out.Technicians = []models.Candidate{}
	}
	return out.Technicians, nil
}

func (c *HTTPClient) do(ctx context.Context, method, target string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", errs.ErrTransient, method, target, err)
	}
	defer resp.Body.Close()
	if err := statusError(method, target, resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, target, err)
	}
	return nil
}

func statusError(method, target string, resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	var kind error
	switch {
	case resp.StatusCode == http.StatusNotFound:
		kind = errs.ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		kind = errs.ErrConflict
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		kind = errs.ErrValidation
	default:
		kind = errs.ErrTransient
	}
	return fmt.Errorf("%w: %s %s returned %d: %s", kind, method, target, resp.StatusCode, strings.TrimSpace(string(msg)))
}

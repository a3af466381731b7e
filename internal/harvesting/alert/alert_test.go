package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testAlert() Alert {
	return Alert{
		SourceID:            "austin",
		SourceName:          "Austin",
		ConsecutiveFailures: 3,
		LastError:           "all endpoints exhausted",
		RunID:               "run-1",
		At:                  time.Date(2026, 3, 4, 6, 0, 0, 0, time.UTC),
	}
}

func TestAlert_Text(t *testing.T) {
	a := testAlert()
	if !strings.Contains(a.Subject(), "Austin") || !strings.Contains(a.Subject(), "3 times") {
		t.Errorf("unexpected subject %q", a.Subject())
	}
	body := a.Body()
	for _, want := range []string{"Last success: never", "all endpoints exhausted", "run-1"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestSendGridAlerter_Send(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s, err := NewSendGridAlerter(SendGridConfig{
		APIKey: "SG.test",
		From:   "alerts@example.com",
		To:     []string{"ops@example.com", "oncall@example.com"},
	})
	if err != nil {
		t.Fatalf("NewSendGridAlerter: %v", err)
	}
	s.client.BaseURL = srv.URL + "/v3/mail/send"

	if err := s.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if auth != "Bearer SG.test" {
		t.Errorf("unexpected auth header %q", auth)
	}
	if subject, _ := got["subject"].(string); !strings.Contains(subject, "Austin") {
		t.Errorf("unexpected subject %v", got["subject"])
	}
	pers, _ := got["personalizations"].([]any)
	if len(pers) != 1 {
		t.Fatalf("expected one personalization, got %v", got["personalizations"])
	}
	tos, _ := pers[0].(map[string]any)["to"].([]any)
	if len(tos) != 2 {
		t.Errorf("expected 2 recipients, got %d", len(tos))
	}
}

func TestSendGridAlerter_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":[{"message":"bad key"}]}`))
	}))
	defer srv.Close()

	s, err := NewSendGridAlerter(SendGridConfig{APIKey: "SG.bad", From: "a@example.com", To: []string{"b@example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	s.client.BaseURL = srv.URL + "/v3/mail/send"

	err = s.Send(context.Background(), testAlert())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}

func TestNewSendGridAlerter_Validates(t *testing.T) {
	if _, err := NewSendGridAlerter(SendGridConfig{From: "a@example.com", To: []string{"b@example.com"}}); err == nil {
		t.Error("expected error without api key")
	}
	if _, err := NewSendGridAlerter(SendGridConfig{APIKey: "k", From: "a@example.com"}); err == nil {
		t.Error("expected error without recipients")
	}
}

type recordingAlerter struct {
	sent []Alert
	err  error
}

func (r *recordingAlerter) Send(_ context.Context, a Alert) error {
	r.sent = append(r.sent, a)
	return r.err
}

func TestMulti_SendsToAll(t *testing.T) {
	a := &recordingAlerter{}
	boom := errors.New("boom")
	b := &recordingAlerter{err: boom}

	err := Multi{a, NewLogAlerter(nil), b}.Send(context.Background(), testAlert())
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error, got %v", err)
	}
	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Error("every alerter should receive the alert")
	}
}

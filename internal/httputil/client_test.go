package httputil

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDaemonClient_GetJSON(t *testing.T) {
	mock := NewMockHTTPClient().AddResponse(http.StatusOK, `{"mode":"simulation","epoch":2}`)
	c := NewDaemonClient("http://brickd:8080/", mock)

	var st struct {
		Mode  string `json:"mode"`
		Epoch int    `json:"epoch"`
	}
	if err := c.GetJSON("/api/status", &st); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if st.Mode != "simulation" || st.Epoch != 2 {
		t.Errorf("decoded %+v", st)
	}
	if got := mock.Requests[0].URL.String(); got != "http://brickd:8080/api/status" {
		t.Errorf("url = %s", got)
	}
}

func TestDaemonClient_PostJSON(t *testing.T) {
	mock := NewMockHTTPClient()
	c := NewDaemonClient("http://brickd", mock)

	in := map[string]string{"mailbox": "0", "message": "Reset"}
	if err := c.PostJSON("/api/send", in, nil); err != nil {
		t.Fatalf("PostJSON() error = %v", err)
	}
	req := mock.Requests[0]
	if req.Method != http.MethodPost {
		t.Errorf("method = %s", req.Method)
	}
	if ct := req.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %s", ct)
	}
	if want := `{"mailbox":"0","message":"Reset"}`; mock.Bodies[0] != want {
		t.Errorf("body = %s, want %s", mock.Bodies[0], want)
	}
}

func TestDaemonClient_DeleteJSON(t *testing.T) {
	mock := NewMockHTTPClient().AddResponse(http.StatusOK, `{"pending":[]}`)
	c := NewDaemonClient("http://brickd", mock)

	var out struct {
		Pending []string `json:"pending"`
	}
	if err := c.DeleteJSON("/api/tasks", &out); err != nil {
		t.Fatalf("DeleteJSON() error = %v", err)
	}
	req := mock.Requests[0]
	if req.Method != http.MethodDelete || req.URL.Path != "/api/tasks" {
		t.Errorf("request = %s %s", req.Method, req.URL.Path)
	}
	if req.Header.Get("Content-Type") != "" {
		t.Error("bodyless request carries a content type")
	}
}

func TestDaemonClient_Errors(t *testing.T) {
	transport := errors.New("connection refused")
	mock := NewMockHTTPClient().
		AddResponse(http.StatusBadRequest, `{"error":"message is not a number"}`).
		AddResponse(http.StatusBadGateway, "upstream gone\n").
		AddErrorResponse(transport)
	c := NewDaemonClient("http://brickd", mock)

	var apiErr *APIError
	err := c.PostJSON("/api/send", map[string]string{}, nil)
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || apiErr.Message != "message is not a number" {
		t.Errorf("first error = %v", err)
	}
	err = c.GetJSON("/api/status", nil)
	if !errors.As(err, &apiErr) || apiErr.Message != "upstream gone" {
		t.Errorf("second error = %v", err)
	}
	if err := c.GetJSON("/api/status", nil); !errors.Is(err, transport) {
		t.Errorf("third error = %v, want %v", err, transport)
	}
}

func TestDaemonClient_RealServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSONOK(w, map[string]string{"path": r.URL.Path})
	}))
	defer srv.Close()

	c := NewDaemonClient(srv.URL, nil)
	var got map[string]string
	if err := c.GetJSON("/api/receive", &got); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if got["path"] != "/api/receive" {
		t.Errorf("path = %q", got["path"])
	}
}

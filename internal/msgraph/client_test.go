package msgraph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"golang.org/x/oauth2"
)

func testToken() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"})
}

// testClient starts a stub Graph endpoint. Tests install their handler via
// srv.Config.Handler, which the server consults per request.
func testClient(t *testing.T) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	c := NewClient(testToken(), "imports@example.org",
		WithBaseURL(srv.URL),
		WithRateLimit(1000))
	return c, srv
}

func TestFindFolder(t *testing.T) {
	c, srv := testClient(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/users/imports@example.org/mailFolders", func(w http.ResponseWriter, r *http.Request) {
		// First page lacks the folder and links to the second.
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"value":[{"id":"folder-2","displayName":"Padron"}]}`)
			return
		}
		fmt.Fprintf(w, `{"value":[{"id":"folder-1","displayName":"Inbox"}],"@odata.nextLink":%q}`,
			srv.URL+"/users/imports@example.org/mailFolders?page=2")
	})
	srv.Config.Handler = mux

	id, err := c.FindFolder(context.Background(), "Padron")
	if err != nil {
		t.Fatalf("find folder: %v", err)
	}
	if id != "folder-2" {
		t.Errorf("folder ID = %q, want folder-2", id)
	}
}

func TestFindFolderNotFound(t *testing.T) {
	c, srv := testClient(t)
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":[{"id":"f1","displayName":"Inbox"}]}`)
	})

	_, err := c.FindFolder(context.Background(), "Padron")
	if !errors.Is(err, ErrFolderNotFound) {
		t.Errorf("err = %v, want ErrFolderNotFound", err)
	}
}

func TestListMessagesFollowsNextLink(t *testing.T) {
	c, srv := testClient(t)
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"value":[{"id":"m2","receivedDateTime":"2026-08-31T07:00:00Z"}]}`)
			return
		}
		if got := r.URL.Query().Get("$orderby"); got != "receivedDateTime desc" {
			t.Errorf("$orderby = %q, want receivedDateTime desc", got)
		}
		fmt.Fprintf(w, `{"value":[{"id":"m1","receivedDateTime":"2026-08-31T08:00:00Z","hasAttachments":true}],"@odata.nextLink":%q}`,
			srv.URL+"/users/imports@example.org/mailFolders/f1/messages?page=2")
	})

	page, err := c.ListMessages(context.Background(), "f1", "")
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != "m1" {
		t.Fatalf("first page = %+v", page.Messages)
	}
	if !page.Messages[0].HasAttachments {
		t.Error("HasAttachments not parsed")
	}
	if page.NextLink == "" {
		t.Fatal("missing next link")
	}

	page, err = c.ListMessages(context.Background(), "f1", page.NextLink)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != "m2" {
		t.Errorf("second page = %+v", page.Messages)
	}
	if page.NextLink != "" {
		t.Errorf("NextLink = %q, want empty on last page", page.NextLink)
	}
}

func TestDownloadAttachment(t *testing.T) {
	c, srv := testClient(t)
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/imports@example.org/messages/m1/attachments/a1/$value" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte("raw-zip-bytes"))
	})

	data, err := c.DownloadAttachment(context.Background(), "m1", "a1")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "raw-zip-bytes" {
		t.Errorf("data = %q", data)
	}
}

func TestRequestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, srv := testClient(t)
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"value":[]}`)
	})

	if _, err := c.ListAttachments(context.Background(), "m1"); err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRequestRetriesThrottling(t *testing.T) {
	var calls atomic.Int32
	c, srv := testClient(t)
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"value":[]}`)
	})

	if _, err := c.ListAttachments(context.Background(), "m1"); err != nil {
		t.Fatalf("expected retry after 429, got %v", err)
	}
}

func TestRequestDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	c, srv := testClient(t)
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	err := c.DeleteMessage(context.Background(), "gone")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want exactly 1 (no retry on 404)", calls.Load())
	}
}

func TestSendMail(t *testing.T) {
	var body struct {
		Message struct {
			Subject string `json:"subject"`
			Body    struct {
				ContentType string `json:"contentType"`
				Content     string `json:"content"`
			} `json:"body"`
			ToRecipients []struct {
				EmailAddress struct {
					Address string `json:"address"`
				} `json:"emailAddress"`
			} `json:"toRecipients"`
			Attachments []struct {
				ODataType    string `json:"@odata.type"`
				Name         string `json:"name"`
				ContentBytes string `json:"contentBytes"`
			} `json:"attachments"`
		} `json:"message"`
		SaveToSentItems bool `json:"saveToSentItems"`
	}

	c, srv := testClient(t)
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("unmarshal sendMail body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	err := c.SendMail(context.Background(), &OutgoingMail{
		To:       []string{"ops@example.org"},
		Subject:  "Resumen",
		HTMLBody: "<p>ok</p>",
		Attachments: []OutgoingAttachment{{
			Name:        "report.csv",
			ContentType: "text/csv",
			Content:     []byte("a;b\n"),
		}},
	})
	if err != nil {
		t.Fatalf("send mail: %v", err)
	}

	if body.Message.Subject != "Resumen" {
		t.Errorf("subject = %q", body.Message.Subject)
	}
	if body.Message.Body.ContentType != "html" {
		t.Errorf("content type = %q, want html", body.Message.Body.ContentType)
	}
	if len(body.Message.ToRecipients) != 1 || body.Message.ToRecipients[0].EmailAddress.Address != "ops@example.org" {
		t.Errorf("recipients = %+v", body.Message.ToRecipients)
	}
	if body.SaveToSentItems {
		t.Error("SaveToSentItems = true, want false")
	}
	if len(body.Message.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(body.Message.Attachments))
	}
	att := body.Message.Attachments[0]
	if att.ODataType != "#microsoft.graph.fileAttachment" {
		t.Errorf("odata type = %q", att.ODataType)
	}
	decoded, err := base64.StdEncoding.DecodeString(att.ContentBytes)
	if err != nil || string(decoded) != "a;b\n" {
		t.Errorf("contentBytes = %q (decoded %q, err %v)", att.ContentBytes, decoded, err)
	}
}

package link

import (
	"bytes"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/brickwire/internal/ev3"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var sendTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/brick-send.html.tmpl"))

// subscriberBuffer is how many telemetry lines a slow tail client may lag.
const subscriberBuffer = 16

func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel of telemetry values seen by Receive, plus mode
// switch notices prefixed with "#". Repeated values are sent once. After
// Close the channel is returned already closed.
func (l *Link) Subscribe() (string, <-chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if l.subsClosed {
		close(ch)
		return id, ch
	}
	l.subscribers[id] = ch
	return id, ch
}

// Unsubscribe ends the subscription id.
func (l *Link) Unsubscribe(id string) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if ch, ok := l.subscribers[id]; ok {
		close(ch)
		delete(l.subscribers, id)
	}
}

func (l *Link) publish(v string) {
	if v == "" {
		return
	}
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if v == l.lastPublish {
		return
	}
	l.lastPublish = v
	for _, ch := range l.subscribers {
		select {
		case ch <- v:
		default:
			// a stalled reader misses values rather than blocking Receive
		}
	}
}

type sendPage struct {
	Mode    string
	Mailbox string
}

// AttachAdminRoutes registers the brick debug pages on mux under /debug/.
func (l *Link) AttachAdminRoutes(mux *http.ServeMux, commandMailbox string) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("brick-send", "send a mailbox message to the brick or simulator", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendTemplate.Execute(buf, sendPage{Mode: l.Mode().String(), Mailbox: commandMailbox}); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("brick-send-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		mailbox := strings.TrimSpace(r.FormValue("mailbox"))
		if mailbox == "" {
			mailbox = commandMailbox
		}
		message := strings.TrimSpace(r.FormValue("message"))
		if message == "" {
			http.Error(w, "Missing message", http.StatusBadRequest)
			return
		}
		p := ev3.Text(message)
		if r.FormValue("kind") == "float" {
			v, err := strconv.ParseFloat(message, 32)
			if err != nil {
				http.Error(w, "Message is not a number", http.StatusBadRequest)
				return
			}
			p = ev3.Float(float32(v))
		}
		if err := l.Send(p, mailbox); err != nil {
			http.Error(w, fmt.Sprintf("Failed to send: %v", err), http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Sent %s to mailbox %q (%s)", p, mailbox, l.Mode()))
	})

	debug.HandleFunc("brick-status", "link mode, epoch and pump counters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(l.Status())
	})

	debug.HandleSilentFunc("brick-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := l.Subscribe()
		defer l.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case v, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", v); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("brick-tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")
		f, err := adminTemplateFS.Open("templates/brick-tail.js")
		if err != nil {
			http.Error(w, "Failed to open brick-tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}

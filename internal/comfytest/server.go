// Package comfytest provides an in-process stand-in for a ComfyUI server.
package comfytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Server answers the ComfyUI routes used by the worker. Zero values give a
// server that accepts every prompt and reports it complete with no outputs.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	// PingFailures is the number of initial GET / requests answered with 503.
	PingFailures int
	// HandshakeFailures is the number of initial /ws requests rejected.
	HandshakeFailures int
	// PromptID is returned in the receipt. Defaults to "prompt-1".
	PromptID string
	// RejectPrompt, when set, makes POST /prompt fail with this message.
	RejectPrompt string
	// Outputs is the raw "outputs" object reported by /history.
	Outputs string
	// OmitHistory makes /history answer with an empty object.
	OmitHistory bool
	// Files maps a /view filename to its contents.
	Files map[string][]byte
	// Events builds the raw frames sent after a prompt is queued. nil sends
	// CompletionEvents; a func returning nil sends nothing.
	Events func(promptID string) []string

	pings      int
	handshakes int
	prompts    []json.RawMessage
	clientIDs  []string
	views      []string
	uploads    []string
	interrupts []string
	deletes    []string
	conns      map[string]*websocket.Conn
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewServer starts a Server. Configure its fields before the first request and
// close it when done.
func NewServer() *Server {
	s := &Server{
		PromptID: "prompt-1",
		Outputs:  "{}",
		Files:    make(map[string][]byte),
		conns:    make(map[string]*websocket.Conn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/prompt", s.handlePrompt)
	mux.HandleFunc("/history/", s.handleHistory)
	mux.HandleFunc("/view", s.handleView)
	mux.HandleFunc("/upload/image", s.handleUpload)
	mux.HandleFunc("/interrupt", s.handleInterrupt)
	mux.HandleFunc("/queue", s.handleQueue)
	mux.HandleFunc("/system_stats", s.handleSystemStats)
	s.Server = httptest.NewServer(mux)
	return s
}

// Host returns the server's host.
func (s *Server) Host() string {
	u, _ := url.Parse(s.URL)
	host, _, _ := net.SplitHostPort(u.Host)
	return host
}

// Port returns the server's port.
func (s *Server) Port() int {
	u, _ := url.Parse(s.URL)
	_, port, _ := net.SplitHostPort(u.Host)
	p, _ := strconv.Atoi(port)
	return p
}

// CompletionEvents is a minimal successful run of the video node.
func CompletionEvents(promptID string) []string {
	return []string{
		fmt.Sprintf(`{"type": "execution_start", "data": {"prompt_id": %q}}`, promptID),
		fmt.Sprintf(`{"type": "executing", "data": {"node": "62", "prompt_id": %q}}`, promptID),
		fmt.Sprintf(`{"type": "progress", "data": {"value": 1, "max": 2, "prompt_id": %q, "node": "62"}}`, promptID),
		fmt.Sprintf(`{"type": "executing", "data": {"node": null, "prompt_id": %q}}`, promptID),
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	s.pings++
	fail := s.pings <= s.PingFailures
	s.mu.Unlock()

	if fail {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}
	io.WriteString(w, "<html>ComfyUI</html>")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	s.mu.Lock()
	s.handshakes++
	fail := s.handshakes <= s.HandshakeFailures
	s.mu.Unlock()

	if fail {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(
		`{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 0}}, "sid": %q}}`, clientID)))

	s.mu.Lock()
	s.clientIDs = append(s.clientIDs, clientID)
	s.conns[clientID] = conn
	s.mu.Unlock()

	// drain until the client goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			conn.Close()
			return
		}
	}
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(r.Body)

	var req struct {
		ClientID string `json:"client_id"`
	}
	json.Unmarshal(body, &req)

	s.mu.Lock()
	s.prompts = append(s.prompts, json.RawMessage(body))
	reject := s.RejectPrompt
	promptID := s.PromptID
	events := s.Events
	s.mu.Unlock()

	if reject != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error": {"type": "prompt_outputs_failed_validation", "message": %q, "details": "", "extra_info": {}}, "node_errors": {}}`, reject)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"prompt_id": %q, "number": 0, "node_errors": {}}`, promptID)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	frames := CompletionEvents(promptID)
	if events != nil {
		frames = events(promptID)
	}
	go func() {
		conn := s.waitConn(req.ClientID)
		if conn == nil {
			return
		}
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
	}()
}

// waitConn returns the websocket of clientID, giving the upgrade handler a
// moment to register it.
func (s *Server) waitConn(clientID string) *websocket.Conn {
	for i := 0; i < 200; i++ {
		s.mu.Lock()
		conn := s.conns[clientID]
		s.mu.Unlock()
		if conn != nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	promptID := r.URL.Path[len("/history/"):]
	s.mu.Lock()
	outputs := s.Outputs
	omit := s.OmitHistory
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if omit {
		io.WriteString(w, "{}")
		return
	}
	fmt.Fprintf(w, `{%q: {"prompt": [0, %q, {}, {}, []], "outputs": %s, "status": {"status_str": "success", "completed": true, "messages": []}}}`,
		promptID, promptID, outputs)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	s.mu.Lock()
	s.views = append(s.views, r.URL.RawQuery)
	data, ok := s.Files[name]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(data)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	io.Copy(io.Discard, file)

	s.mu.Lock()
	s.uploads = append(s.uploads, header.Filename)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"name": %q, "subfolder": %q, "type": %q}`, header.Filename, r.FormValue("subfolder"), r.FormValue("type"))
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.interrupts = append(s.interrupts, req.PromptID)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"queue_running": [], "queue_pending": []}`)
		return
	}
	var req struct {
		Delete []string `json:"delete"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.deletes = append(s.deletes, req.Delete...)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"system": {"os": "posix", "python_version": "3.12.3", "embedded_python": false, "comfyui_version": "0.3.49"}, "devices": [{"name": "cuda:0 NVIDIA L40S", "type": "cuda", "index": 0, "vram_total": 47697362944, "vram_free": 47163244544, "torch_vram_total": 0, "torch_vram_free": 0}]}`)
}

// Pings returns the number of GET / requests received.
func (s *Server) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// Handshakes returns the number of /ws requests received.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// Prompts returns the raw bodies of every POST /prompt.
func (s *Server) Prompts() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.prompts...)
}

// ClientIDs returns the client ids of the accepted websocket connections.
func (s *Server) ClientIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clientIDs...)
}

// Views returns the query strings of every /view request.
func (s *Server) Views() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.views...)
}

// Uploads returns the filenames received by /upload/image.
func (s *Server) Uploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.uploads...)
}

// Interrupts returns the prompt_id of every POST /interrupt, "" for a request
// that named no prompt.
func (s *Server) Interrupts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.interrupts...)
}

// QueueDeletes returns the prompt ids removed through POST /queue.
func (s *Server) QueueDeletes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletes...)
}

// SetOutputs replaces the history outputs.
func (s *Server) SetOutputs(outputs string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Outputs = outputs
}

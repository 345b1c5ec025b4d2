package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/richinsley/comfy2go-worker/graphapi"
)

/*
Routes used by the worker:

@routes.get("/")
@routes.get("/system_stats")
@routes.get("/history/{prompt_id}")
@routes.get("/view")

@routes.post("/prompt")
@routes.post("/interrupt")
@routes.post("/queue")
@routes.post("/upload/image")
*/

// ErrPromptNotInHistory is returned by GetHistory when the server has no entry
// for the requested prompt.
var ErrPromptNotInHistory = errors.New("prompt not found in history")

func (c *ComfyClient) do(ctx context.Context, method string, path string, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.httpURL(path), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.httpclient.Do(req)
}

func statusError(resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	if msg == "" {
		return fmt.Errorf("error: %d - %s", resp.StatusCode, resp.Status)
	}
	return fmt.Errorf("error: %d - %s: %s", resp.StatusCode, resp.Status, msg)
}

// Ping performs a single liveness request against the server root.
func (c *ComfyClient) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/", "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("error: %d - %s", resp.StatusCode, resp.Status)
	}
	return nil
}

func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	resp, err := c.do(ctx, http.MethodGet, "/system_stats", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, body)
	}

	retv := &SystemStats{}
	if err := json.Unmarshal(body, retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// QueuePrompt submits prompt for execution and returns the server's receipt.
func (c *ComfyClient) QueuePrompt(ctx context.Context, prompt graphapi.Prompt) (*QueueItem, error) {
	data, err := json.Marshal(prompt)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/prompt", "application/json", strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		// is it one of these:
		// {"error": {"type": "prompt_no_outputs",
		//				"message": "Prompt has no outputs",
		//				"details": "",
		//				"extra_info": {}
		//			  },
		// "node_errors": []
		// }
		perror := &PromptErrorMessage{}
		if perr := json.Unmarshal(body, perror); perr == nil && perror.Error.Message != "" {
			return nil, fmt.Errorf("prompt rejected: %s", perror.Error.Message)
		}
		slog.Error("error unmarshalling prompt error", "body", string(body))
		return nil, statusError(resp, body)
	}

	item := &QueueItem{}
	if err := json.Unmarshal(body, item); err != nil {
		return nil, err
	}
	if item.PromptID == "" {
		return nil, errors.New("prompt receipt has no prompt_id")
	}
	return item, nil
}

// GetHistory fetches the execution record of promptID.
func (c *ComfyClient) GetHistory(ctx context.Context, promptID string) (*PromptHistoryItem, error) {
	resp, err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, body)
	}

	history := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, err
	}
	raw, ok := history[promptID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotInHistory, promptID)
	}

	// the entry also carries the submitted prompt and metadata, which we ignore
	var entry struct {
		Outputs json.RawMessage `json:"outputs"`
		Status  HistoryStatus   `json:"status"`
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}

	outputs, err := decodeNodeOutputs(entry.Outputs)
	if err != nil {
		return nil, err
	}

	return &PromptHistoryItem{
		PromptID: promptID,
		Outputs:  outputs,
		Status:   entry.Status,
	}, nil
}

// GetView downloads the bytes of an output file.
func (c *ComfyClient) GetView(ctx context.Context, data_output DataOutput) ([]byte, error) {
	params := url.Values{}
	params.Add("filename", data_output.Filename)
	params.Add("subfolder", data_output.Subfolder)
	params.Add("type", data_output.Type)

	resp, err := c.do(ctx, http.MethodGet, "/view?"+params.Encode(), "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, body)
	}
	return body, nil
}

// Interrupt asks the server to stop promptID. The server ignores the request
// when another prompt is running. An empty promptID interrupts whatever runs.
func (c *ComfyClient) Interrupt(ctx context.Context, promptID string) error {
	body := map[string]string{}
	if promptID != "" {
		body["prompt_id"] = promptID
	}
	return c.postJSON(ctx, "/interrupt", body)
}

// DeleteQueued removes pending prompts from the server's queue. Prompts that
// already started are not affected.
func (c *ComfyClient) DeleteQueued(ctx context.Context, promptIDs ...string) error {
	if len(promptIDs) == 0 {
		return nil
	}
	return c.postJSON(ctx, "/queue", map[string][]string{"delete": promptIDs})
}

// postJSON posts v and discards the response body.
func (c *ComfyClient) postJSON(ctx context.Context, route string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, route, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return statusError(resp, body)
	}
	return nil
}

package client

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// ComfyClient is the top level object that allows for interaction with the ComfyUI backend.
// It holds no per-job state and is safe for concurrent use.
type ComfyClient struct {
	serverBaseAddress string
	serverAddress     string
	serverPort        int
	httpclient        *http.Client
	dialer            *websocket.Dialer
}

// NewComfyClient creates a new instance of a Comfy2go client
func NewComfyClient(server_address string, server_port int) *ComfyClient {
	return NewComfyClientWithTimeout(server_address, server_port, 0)
}

// NewComfyClientWithTimeout creates a new instance of a Comfy2go client whose HTTP
// requests and websocket handshakes are bounded by timeout (0 for no bound)
func NewComfyClientWithTimeout(server_address string, server_port int, timeout time.Duration) *ComfyClient {
	sbaseaddr := server_address + ":" + strconv.Itoa(server_port)
	dialer := *websocket.DefaultDialer
	if timeout > 0 {
		dialer.HandshakeTimeout = timeout
	}
	return &ComfyClient{
		serverBaseAddress: sbaseaddr,
		serverAddress:     server_address,
		serverPort:        server_port,
		httpclient:        &http.Client{Timeout: timeout},
		dialer:            &dialer,
	}
}

// ServerBaseAddress returns host:port of the ComfyUI server
func (c *ComfyClient) ServerBaseAddress() string {
	return c.serverBaseAddress
}

// return the underlying http client
func (c *ComfyClient) HttpClient() *http.Client {
	return c.httpclient
}

// set the underlying http client
func (c *ComfyClient) SetHttpClient(client *http.Client) {
	c.httpclient = client
}

func (c *ComfyClient) httpURL(path string) string {
	return "http://" + c.serverBaseAddress + path
}

func (c *ComfyClient) wsURL(path string) string {
	return "ws://" + c.serverBaseAddress + path
}

package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is the CLI side of the IPC protocol: one connection, one request,
// one response.
type Client struct {
	socketPath string
	tcpAddr    string
	token      string
	timeout    time.Duration
}

// NewClient creates a client for the local socket.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: opTimeout}
}

// NewTCPClient creates a client for a daemon's TCP listener, which
// ListenTCP binds to the loopback interface.
func NewTCPClient(addr, token string) *Client {
	return &Client{tcpAddr: addr, token: token, timeout: opTimeout}
}

// Do sends one request and decodes the response envelope.
func (c *Client) Do(req *Request) (*Response, error) {
	var conn net.Conn
	var err error
	if c.tcpAddr != "" {
		conn, err = net.DialTimeout("tcp", c.tcpAddr, c.timeout)
	} else {
		conn, err = net.DialTimeout("unix", c.socketPath, c.timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable: %w", err)
	}
	defer conn.Close()

	if c.tcpAddr != "" {
		if err := c.roundTrip(conn, &Request{Type: ReqHello, Token: c.token}, nil); err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
	}

	var resp Response
	if err := c.roundTrip(conn, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) roundTrip(conn net.Conn, req *Request, out *Response) error {
	_ = conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := WriteMsg(conn, req); err != nil {
		return err
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
	data, err := ReadMsg(conn)
	if err != nil {
		return err
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	if resp.Type == RespError {
		return fmt.Errorf("%s", resp.Message)
	}
	if out != nil {
		*out = resp
	}
	return nil
}

// DoResult sends a request and decodes a Result payload into v.
func (c *Client) DoResult(req *Request, v any) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	if resp.Type != RespResult {
		return fmt.Errorf("expected result, got %s", resp.Type)
	}
	return json.Unmarshal(resp.Result, v)
}

package ipc

import (
	"encoding/json"
	"net"
	"time"
)

type Client struct {
	conn net.Conn
}

func Dial(path string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Call sends command with args and decodes the result into result, which may
// be nil. A failed command is returned as *Error.
func (c *Client) Call(command string, args interface{}, result interface{}) error {
	req := Request{Command: command}
	if args != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return err
		}
		req.Args = encoded
	}
	if err := writeJSON(c.conn, req); err != nil {
		return err
	}

	body, err := ReadFrame(c.conn)
	if err != nil {
		return err
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return &ProtocolError{Reason: "malformed response", Err: err}
	}
	if !resp.OK {
		if resp.Error == nil {
			return &Error{Code: CodeInternal, Message: "request failed without error"}
		}
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

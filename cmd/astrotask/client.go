package main

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

	"github.com/nasa-jpl/astrotask/focusing"
	"github.com/nasa-jpl/astrotask/generichttp"
	"github.com/nasa-jpl/astrotask/task"
)

// Client talks to the HTTP interface of astrotaskd.
type Client struct {
	Base string
	HTTP *http.Client
}

// NewClient returns a client for the daemon at base, e.g. http://localhost:8000
func NewClient(base string) *Client {
	return &Client{Base: strings.TrimSuffix(base, "/"), HTTP: &http.Client{Timeout: 2 * time.Minute}}
}

// StatusError is a non-2xx reply of the daemon.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Code, http.StatusText(e.Code), e.Msg)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Msg: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if w, ok := out.(io.Writer); ok {
		_, err = io.Copy(w, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Submit queues p and returns the id of the new task.
func (c *Client) Submit(ctx context.Context, p task.Parameters) (int64, error) {
	var id generichttp.IntT
	err := c.do(ctx, http.MethodPost, "/tasks", p, &id)
	return int64(id.Int), err
}

// List returns the tasks in state s, all tasks if s is empty.
func (c *Client) List(ctx context.Context, s string) ([]task.Entry, error) {
	path := "/tasks"
	if s != "" {
		path += "?state=" + url.QueryEscape(s)
	}
	var out []task.Entry
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func taskPath(id int64, suffix string) string {
	return "/tasks/" + strconv.FormatInt(id, 10) + suffix
}

// Entry returns one task.
func (c *Client) Entry(ctx context.Context, id int64) (task.Entry, error) {
	var e task.Entry
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &e)
	return e, err
}

// Cancel cancels an executing task and returns its final entry.
func (c *Client) Cancel(ctx context.Context, id int64) (task.Entry, error) {
	var e task.Entry
	err := c.do(ctx, http.MethodPost, taskPath(id, "/cancel"), nil, &e)
	return e, err
}

// Remove deletes a task that is not executing.
func (c *Client) Remove(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, taskPath(id, ""), nil, nil)
}

// Wait blocks on the daemon for at most timeout until the task has no
// executor and returns the entry.
func (c *Client) Wait(ctx context.Context, id int64, timeout time.Duration) (task.Entry, error) {
	var e task.Entry
	err := c.do(ctx, http.MethodPost, taskPath(id, "/wait?timeout="+timeout.String()), nil, &e)
	return e, err
}

// Image writes the FITS file of a completed task to w.
func (c *Client) Image(ctx context.Context, id int64, w io.Writer) error {
	return c.do(ctx, http.MethodGet, taskPath(id, "/image"), nil, w)
}

// Queue calls one of the queue control routes: state, start, stop or cancel.
func (c *Client) Queue(ctx context.Context, op string) (string, error) {
	method := http.MethodPost
	if op == "state" {
		method = http.MethodGet
	}
	var s generichttp.StrT
	err := c.do(ctx, method, "/queue/"+op, nil, &s)
	return s.Str, err
}

// Solve runs the symmetric focus solver of the daemon on a scan.
func (c *Client) Solve(ctx context.Context, items []focusing.FocusItem) (float64, error) {
	var f generichttp.FloatT
	err := c.do(ctx, http.MethodPost, "/focus/solve", struct {
		Items []focusing.FocusItem `json:"items"`
	}{items}, &f)
	return f.F64, err
}

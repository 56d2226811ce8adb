package rest

import (
	"net/http"
	"net/url"
)

// Get dispatches a GET request against path.
func (c *Connection) Get(path string, params url.Values, cb Callback, opts ...SendOption) (Handle, error) {
	return c.Send(Endpoint{Method: http.MethodGet, Path: path}, params, nil, cb, opts...)
}

// Post dispatches a POST request with a JSON body against path.
func (c *Connection) Post(path string, params url.Values, body []byte, cb Callback, opts ...SendOption) (Handle, error) {
	return c.Send(Endpoint{Method: http.MethodPost, Path: path}, params, body, cb, opts...)
}

// Put dispatches a PUT request with a JSON body against path.
func (c *Connection) Put(path string, params url.Values, body []byte, cb Callback, opts ...SendOption) (Handle, error) {
	return c.Send(Endpoint{Method: http.MethodPut, Path: path}, params, body, cb, opts...)
}

// Patch dispatches a PATCH request with a JSON body against path.
func (c *Connection) Patch(path string, params url.Values, body []byte, cb Callback, opts ...SendOption) (Handle, error) {
	return c.Send(Endpoint{Method: http.MethodPatch, Path: path}, params, body, cb, opts...)
}

// Delete dispatches a DELETE request against path.
func (c *Connection) Delete(path string, params url.Values, cb Callback, opts ...SendOption) (Handle, error) {
	return c.Send(Endpoint{Method: http.MethodDelete, Path: path}, params, nil, cb, opts...)
}

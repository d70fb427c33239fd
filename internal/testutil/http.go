package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// HTTPResult captures HTTP response details for test assertions
type HTTPResult struct {
	Code    int
	Error   error
	Headers http.Header
	Cookies []*http.Cookie
	Body    []byte
}

// Cookie returns the named cookie set by the response, or nil
func (r HTTPResult) Cookie(name string) *http.Cookie {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Header represents an HTTP header key-value pair
type Header struct {
	Key   string
	Value string
}

func ContentTypeJSON() Header {
	return Header{Key: "Content-Type", Value: "application/json"}
}

func ContentTypeForm() Header {
	return Header{Key: "Content-Type", Value: "application/x-www-form-urlencoded"}
}

// Bearer returns an Authorization header carrying token
func Bearer(token string) Header {
	return Header{Key: "Authorization", Value: "Bearer " + token}
}

// CookieHeader returns a Cookie header carrying c
func CookieHeader(c *http.Cookie) Header {
	return Header{Key: "Cookie", Value: c.Name + "=" + c.Value}
}

// ExpectStatus validates the HTTP status code and fails the test if it doesn't match
func ExpectStatus(
	t *testing.T,
	expected int,
	result HTTPResult,
) {
	t.Helper()
	if result.Error != nil {
		t.Fatalf("request error: %v", result.Error)
	}
	if result.Code != expected {
		t.Fatalf("expected status %d, got %d. Body: %s", expected, result.Code, string(result.Body))
	}
}

// Get performs a GET request and optionally decodes JSON response
func Get(
	router http.Handler,
	url string,
	response any,
	headers ...Header,
) HTTPResult {
	return serve(router, http.MethodGet, url, nil, response, headers)
}

// Post performs a POST request and optionally decodes JSON response
func Post(
	router http.Handler,
	url string,
	body string,
	response any,
	headers ...Header,
) HTTPResult {
	return serve(router, http.MethodPost, url, strings.NewReader(body), response, headers)
}

// PostForm performs a POST with form-urlencoded body
func PostForm(
	router http.Handler,
	urlPath string,
	values url.Values,
	response any,
	headers ...Header,
) HTTPResult {
	return Post(router, urlPath, values.Encode(), response, append(headers, ContentTypeForm())...)
}

// PostJSON performs a POST with JSON body
func PostJSON(
	router http.Handler,
	urlPath string,
	body string,
	response any,
	headers ...Header,
) HTTPResult {
	return Post(router, urlPath, body, response, append(headers, ContentTypeJSON())...)
}

func serve(
	router http.Handler,
	method string,
	url string,
	body io.Reader,
	response any,
	headers []Header,
) HTTPResult {
	req := httptest.NewRequest(method, url, body)
	res := httptest.NewRecorder()
	for _, h := range headers {
		req.Header.Set(h.Key, h.Value)
	}
	router.ServeHTTP(res, req)

	result := HTTPResult{
		Code:    res.Code,
		Headers: res.Header(),
		Cookies: res.Result().Cookies(),
		Body:    res.Body.Bytes(),
	}
	if response != nil && res.Code >= 200 && res.Code <= 299 && res.Body.Len() > 0 {
		if err := json.Unmarshal(res.Body.Bytes(), response); err != nil {
			result.Error = fmt.Errorf("failed to decode JSON: %v\n%s", err, res.Body.String())
		}
	}
	return result
}

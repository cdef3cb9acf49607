package main

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken_FlagWins(t *testing.T) {
	t.Setenv("TASKD_TOKEN", "from-env")
	authToken = "from-flag"
	defer func() { authToken = "" }()

	assert.Equal(t, "from-flag", token())
}

func TestToken_EnvFallback(t *testing.T) {
	t.Setenv("TASKD_TOKEN", "from-env")
	authToken = ""

	assert.Equal(t, "from-env", token())
}

func fakeResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestAPIError_Envelope(t *testing.T) {
	resp := fakeResponse(http.StatusNotFound, `{"code":"not_found","message":"project not found"}`)
	defer resp.Body.Close()

	err := apiError(resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project not found")
	assert.Contains(t, err.Error(), "404")
}

func TestAPIError_PlainBody(t *testing.T) {
	resp := fakeResponse(http.StatusInternalServerError, "upstream exploded")
	defer resp.Body.Close()

	err := apiError(resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "upstream exploded")
}

func TestDecodeBody_Malformed(t *testing.T) {
	resp := fakeResponse(http.StatusOK, "{not json")
	defer resp.Body.Close()

	var out map[string]any
	err := decodeBody(resp, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode response")
}

package model

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(url string) *Client {
	return NewClient(ClientOptions{
		APIKey:  "test-key",
		BaseURL: url,
		Timeout: 5 * time.Second,
	})
}

func TestChatCompletionStream_OrderPreserved(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, content := range []string{"one", "two", "three"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	chunkChan, errChan := client.ChatCompletionStream(context.Background(), ChatRequest{Model: "test"})

	var contents []string
	for chunk := range chunkChan {
		contents = append(contents, chunk.Choices[0].Delta.Content)
	}
	if err := <-errChan; err != nil {
		t.Fatalf("stream error: %v", err)
	}

	want := []string{"one", "two", "three"}
	if len(contents) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(contents), len(want))
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q (order must be preserved)", i, contents[i], want[i])
		}
	}
}

func TestChatCompletionStream_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit","code":"429"}}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	chunkChan, errChan := client.ChatCompletionStream(context.Background(), ChatRequest{Model: "test"})

	for range chunkChan {
		t.Error("no chunks expected on upstream error")
	}
	err := <-errChan
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if !apiErr.IsRateLimitError() {
		t.Errorf("StatusCode = %d, want 429", apiErr.StatusCode)
	}
	if apiErr.Message != "rate limited" {
		t.Errorf("Message = %q, payload message not decoded", apiErr.Message)
	}
	if !apiErr.Retryable {
		t.Error("429 should be retryable")
	}
}

func TestChatCompletion_ServerFault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.ChatCompletion(context.Background(), ChatRequest{Model: "test"})
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.IsClientFault() {
		t.Error("502 should not classify as client fault")
	}
	if !apiErr.Retryable {
		t.Error("5xx should be retryable")
	}
}

func TestChatCompletion_Decodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"resp-1","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"total_tokens":4}}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	resp, err := client.ChatCompletion(context.Background(), ChatRequest{Model: "test"})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hi" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Choices[0].FinishReason != FinishStop {
		t.Errorf("FinishReason = %q", resp.Choices[0].FinishReason)
	}
}

func TestChatCompletionStream_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := newTestClient(server.URL)
	chunkChan, errChan := client.ChatCompletionStream(ctx, ChatRequest{Model: "test"})

	<-chunkChan
	cancel()

	for range chunkChan {
	}
	if err := <-errChan; err == nil {
		t.Error("expected context cancellation error")
	}
}

package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLocalBusDeliversToChannelSubscribers(t *testing.T) {
	bus := NewLocalBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := bus.Subscribe(ctx, "events")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	replies, err := bus.Subscribe(ctx, "replies")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	envelope := mustEnvelope(t, EventNameChanged, NameChanged{UserID: "42", OldName: "a", NewName: "b"})
	if err := bus.Publish(context.Background(), "events", envelope); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case received := <-events:
		var payload NameChanged
		if err := received.Decode(&payload); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if payload.NewName != "b" {
			t.Fatalf("unexpected payload %+v", payload)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected envelope within deadline")
	}

	select {
	case <-replies:
		t.Fatal("did not expect envelope on unrelated channel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLocalBusDropsWhenBufferFull(t *testing.T) {
	bus := NewLocalBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, _ := bus.Subscribe(ctx, "events")
	for index := 0; index < 3; index++ {
		_ = bus.Publish(context.Background(), "events", Envelope{Type: EventReply})
	}
	if len(stream) != 1 {
		t.Fatalf("expected buffered envelope count 1, got %d", len(stream))
	}
}

func TestLocalBusUnsubscribesOnCancel(t *testing.T) {
	bus := NewLocalBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	_, _ = bus.Subscribe(ctx, "events")
	if bus.Subscribers("events") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for bus.Subscribers("events") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRedisConfigBufferSize(t *testing.T) {
	if got := (RedisConfig{BufferSize: 512}).bufferSize(); got != 512 {
		t.Fatalf("bufferSize = %d, want 512", got)
	}
	if got := (RedisConfig{}).bufferSize(); got != defaultBusBuffer {
		t.Fatalf("bufferSize = %d, want default %d", got, defaultBusBuffer)
	}
	if got := (RedisConfig{BufferSize: -1}).bufferSize(); got != defaultBusBuffer {
		t.Fatalf("bufferSize = %d, want default %d", got, defaultBusBuffer)
	}
}

func TestEnvelopeDecodeRejectsMalformedPayload(t *testing.T) {
	if err := (Envelope{Type: EventAvatarChanged}).Decode(&AvatarChanged{}); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected malformed error for empty payload, got %v", err)
	}
	if err := (Envelope{Type: EventAvatarChanged, Payload: []byte("{")}).Decode(&AvatarChanged{}); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected malformed error for broken json, got %v", err)
	}
	if _, err := decodeEnvelope([]byte(`{"payload":{}}`)); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected missing type to be rejected, got %v", err)
	}
	envelope, err := decodeEnvelope([]byte(`{"type":"avatar_changed","payload":{"user_id":"7","avatar_url":"https://cdn/a.png"}}`))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	var payload AvatarChanged
	if err := envelope.Decode(&payload); err != nil || payload.UserID != "7" {
		t.Fatalf("unexpected payload %+v err=%v", payload, err)
	}
}

func TestFetcherReturnsAssetWithFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/gif")
		_, _ = w.Write([]byte("GIF89a"))
	}))
	defer server.Close()

	asset, err := NewFetcher(FetcherConfig{}).Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if asset.Format != "gif" || string(asset.Data) != "GIF89a" {
		t.Fatalf("unexpected asset %+v", asset)
	}
}

func TestFetcherFailsOnNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	if _, err := NewFetcher(FetcherConfig{}).Fetch(context.Background(), server.URL); !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected fetch failure, got %v", err)
	}
}

func TestFetcherStopsReadingPastLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 100))
	}))
	defer server.Close()

	asset, err := NewFetcher(FetcherConfig{MaxBytes: 10}).Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if len(asset.Data) != 11 {
		t.Fatalf("expected read to stop one byte past the limit, got %d", len(asset.Data))
	}
}

func TestFormatFromContentType(t *testing.T) {
	testCases := map[string]string{
		"image/png":                  "png",
		"image/jpeg; charset=binary": "jpeg",
		"IMAGE/WEBP":                 "webp",
		"garbage":                    "",
		"":                           "",
	}
	for contentType, want := range testCases {
		if got := FormatFromContentType(contentType); got != want {
			t.Fatalf("FormatFromContentType(%q) = %q, want %q", contentType, got, want)
		}
	}
}

func mustEnvelope(t *testing.T, eventType string, payload any) Envelope {
	t.Helper()
	envelope, err := NewEnvelope(eventType, payload)
	if err != nil {
		t.Fatalf("unexpected envelope error: %v", err)
	}
	return envelope
}

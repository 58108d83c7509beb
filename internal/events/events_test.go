package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
)

type recordingPublisher struct {
	key  string
	body []byte
}

func (r *recordingPublisher) Publish(ctx context.Context, key string, body []byte) error {
	r.key, r.body = key, body
	return nil
}

func TestPublishJSON(t *testing.T) {
	p := &recordingPublisher{}
	if err := PublishJSON(context.Background(), p, "m1", map[string]string{"status": "pending"}); err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := json.Unmarshal(p.body, &got); err != nil {
		t.Fatal(err)
	}
	if p.key != "m1" || got["status"] != "pending" {
		t.Fatalf("unexpected publish key=%s body=%s", p.key, p.body)
	}
}

func TestPublishJSONMarshalError(t *testing.T) {
	p := &recordingPublisher{}
	if err := PublishJSON(context.Background(), p, "k", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
	if p.body != nil {
		t.Fatal("nothing should be published on marshal failure")
	}
}

func TestLogPublisherAcceptsEverything(t *testing.T) {
	p := &LogPublisher{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if err := PublishJSON(context.Background(), p, "task-1", map[string]string{"kind": "report"}); err != nil {
		t.Fatal(err)
	}
}

package alert

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestParse(t *testing.T) {
	ev, err := Parse([]byte(`{"type":"person","message":"someone at the door","confidence":0.92,"details":{"box":[1,2,3,4]}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := uuid.Parse(ev.ID); err != nil {
		t.Fatalf("generated id %q is not a uuid", ev.ID)
	}
	if ev.Severity != "info" {
		t.Fatalf("severity = %q", ev.Severity)
	}

	p := ev.Payload()
	if p.ID != ev.ID || p.Confidence != 0.92 || string(p.Details) != `{"box":[1,2,3,4]}` {
		t.Fatalf("payload = %+v", p)
	}
	if c := ev.Control(); c.ID != ev.ID || c.Type != "person" {
		t.Fatalf("control = %+v", c)
	}
}

func TestParseRejects(t *testing.T) {
	for _, line := range []string{
		`not json`,
		`{"confidence":0.5}`,
		`{"type":"x","confidence":1.5}`,
		`{"type":"x","confidence":-0.1}`,
	} {
		if _, err := Parse([]byte(line)); !errors.Is(err, ErrInvalidAlert) {
			t.Fatalf("%s: want ErrInvalidAlert, got %v", line, err)
		}
	}
}

func TestParseKeepsID(t *testing.T) {
	ev, err := Parse([]byte(`{"id":"fixed","type":"pose","severity":"high","confidence":1}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.ID != "fixed" || ev.Severity != "high" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestReadSkipsBadLines(t *testing.T) {
	feed := strings.Join([]string{
		`{"id":"1","type":"person","confidence":0.5}`,
		``,
		`garbage`,
		`{"id":"2","type":"fall","confidence":0.7}`,
	}, "\n")

	out := make(chan Event, 4)
	if err := Read(context.Background(), strings.NewReader(feed), out, nil); err != nil {
		t.Fatalf("Read: %v", err)
	}
	close(out)

	var ids []string
	for ev := range out {
		ids = append(ids, ev.ID)
	}
	if strings.Join(ids, ",") != "1,2" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestReadStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan Event)
	err := Read(ctx, strings.NewReader(`{"type":"person","confidence":0.5}`), out, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

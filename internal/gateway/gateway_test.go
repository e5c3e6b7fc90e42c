package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PratikDhanave/agent-gateway/internal/clock"
	"github.com/PratikDhanave/agent-gateway/internal/deadletter"
	"github.com/PratikDhanave/agent-gateway/internal/dispatch"
	"github.com/PratikDhanave/agent-gateway/internal/eventcache"
	"github.com/PratikDhanave/agent-gateway/internal/forwarder"
	"github.com/PratikDhanave/agent-gateway/internal/logging"
	"github.com/PratikDhanave/agent-gateway/internal/models"
	"github.com/PratikDhanave/agent-gateway/internal/normalizer"
	"github.com/PratikDhanave/agent-gateway/internal/responder"
	"github.com/PratikDhanave/agent-gateway/internal/transcript"
	"github.com/PratikDhanave/agent-gateway/internal/users"
)

const botID = "UBOT"

var eventTime = time.Unix(1700000000, 0)

type fakeForwarder struct {
	mu   sync.Mutex
	reqs []models.CanonicalRequest
	err  error
}

func (f *fakeForwarder) Forward(_ context.Context, req models.CanonicalRequest) (models.CanonicalResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return models.CanonicalResponse{}, f.err
	}
	return models.CanonicalResponse{
		ID:    req.ID,
		Agent: models.AgentStatus{Name: req.Agent.Name, Status: models.StatusCompleted},
		Reply: models.Reply{Text: "on it", Channel: req.Source.Channel, ThreadTS: req.Source.ThreadTS},
	}, nil
}

func (f *fakeForwarder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakeResponder struct {
	mu    sync.Mutex
	posts []models.CanonicalResponse
	err   error
}

func (r *fakeResponder) Post(_ context.Context, resp models.CanonicalResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts = append(r.posts, resp)
	if r.err != nil {
		return fmt.Errorf("%w: %w", responder.ErrDeliveryFailed, r.err)
	}
	return nil
}

func (r *fakeResponder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.posts)
}

type recordingSink struct {
	mu      sync.Mutex
	records []deadletter.Record
}

func (s *recordingSink) Record(_ context.Context, rec deadletter.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) Close() error { return nil }

type failingSink struct{}

func (failingSink) Record(context.Context, deadletter.Record) error {
	return errors.New("amqp: channel closed")
}

func (failingSink) Close() error { return nil }

type failingStore struct{ transcript.Store }

func (failingStore) Append(context.Context, string, transcript.Message) error {
	return errors.New("disk full")
}

// inline runs tasks on the caller's goroutine so assertions need no waiting.
type inline struct{}

func (inline) Submit(_ string, task dispatch.Task) error {
	task(context.Background())
	return nil
}

type harness struct {
	gw      *Gateway
	clock   *clock.FakeClock
	cache   *eventcache.Cache
	fwd     *fakeForwarder
	resp    *fakeResponder
	store   transcript.Store
	dead    *recordingSink
	lookups int
	deps    Deps
}

func newHarness(t *testing.T, exec Executor) *harness {
	t.Helper()
	store, err := transcript.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}

	h := &harness{
		clock: clock.Fake(eventTime.Add(2 * time.Second)),
		fwd:   &fakeForwarder{},
		resp:  &fakeResponder{},
		store: store,
		dead:  &recordingSink{},
	}
	h.cache = eventcache.New(eventcache.DefaultTTL, h.clock)

	resolver := users.ResolverFunc(func(ctx context.Context, id string) (string, error) {
		h.lookups++
		if id == "UGHOST" {
			return "", errors.New("user_not_found")
		}
		return "ada.lovelace", nil
	})
	if exec == nil {
		exec = inline{}
	}

	h.deps = Deps{
		Cache:       h.cache,
		Normalizer:  normalizer.New(resolver, normalizer.WithClock(h.clock)),
		Forwarder:   h.fwd,
		Responder:   h.resp,
		Transcripts: store,
		Users:       resolver,
		Executor:    exec,
		DeadLetters: h.dead,
		Clock:       h.clock,
		Logger:      logging.Discard(),
		BotUserID:   botID,
	}
	h.gw = New(h.deps)
	return h
}

func (h *harness) transcript(t *testing.T, conversationID string) []transcript.Message {
	t.Helper()
	msgs, err := h.store.Load(context.Background(), conversationID)
	if err != nil {
		t.Fatalf("load transcript: %v", err)
	}
	return msgs
}

func callback(ev models.Event) *models.Envelope {
	return &models.Envelope{Type: models.EnvelopeEventCallback, TeamID: "T1", Event: &ev}
}

func mention() models.Event {
	return models.Event{
		Type:    models.EventAppMention,
		TS:      "1700000000.000100",
		Channel: "C1",
		User:    "U1",
		Text:    "<@UBOT> deploy it",
	}
}

func TestHandle_URLVerification(t *testing.T) {
	h := newHarness(t, nil)

	d, err := h.gw.Handle(&models.Envelope{Type: models.EnvelopeURLVerification, Challenge: "xyz"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != OutcomeChallenge || d.Challenge != "xyz" {
		t.Fatalf("unexpected decision %+v", d)
	}
	if h.cache.Len() != 0 || h.fwd.calls() != 0 {
		t.Fatal("challenge must not touch the cache or the backend")
	}
}

func TestHandle_UnknownEnvelope(t *testing.T) {
	h := newHarness(t, nil)

	d, err := h.gw.Handle(&models.Envelope{Type: "app_rate_limited"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != OutcomeIgnored || d.Reason != ReasonUnknownEnvelope {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestHandle_MalformedEvent(t *testing.T) {
	h := newHarness(t, nil)

	cases := map[string]*models.Envelope{
		"missing event": {Type: models.EnvelopeEventCallback},
		"missing ts":    callback(models.Event{Type: models.EventMessage, Channel: "C1"}),
		"garbage ts":    callback(models.Event{Type: models.EventMessage, Channel: "C1", TS: "soon"}),
		"no channel":    callback(models.Event{Type: models.EventMessage, TS: "1700000000.1"}),
		"no type":       callback(models.Event{Channel: "C1", TS: "1700000000.1"}),
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.gw.Handle(env)
			if !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("expected ErrMalformedPayload, got %v", err)
			}
		})
	}
	if h.cache.Len() != 0 {
		t.Fatal("malformed events must not be cached")
	}
}

func TestHandle_ValidMentionRepliesOnce(t *testing.T) {
	h := newHarness(t, nil)

	d, err := h.gw.Handle(callback(mention()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != OutcomeAccepted || !d.Respond || d.EventID != "app_mention:1700000000.000100" {
		t.Fatalf("unexpected decision %+v", d)
	}
	if h.fwd.calls() != 1 || h.resp.calls() != 1 {
		t.Fatalf("expected one forward and one post, got %d/%d", h.fwd.calls(), h.resp.calls())
	}

	req := h.fwd.reqs[0]
	if req.Message.Text != "deploy it" || req.Source.Workspace != "T1" || req.ConversationID() != "C1:1700000000.000100" {
		t.Fatalf("unexpected request %+v", req)
	}
	if post := h.resp.posts[0]; post.ID != req.ID || post.Reply.Channel != "C1" || post.Reply.ThreadTS != "1700000000.000100" {
		t.Fatalf("unexpected post %+v", post)
	}

	msgs := h.transcript(t, "C1:1700000000.000100")
	want := transcript.Message{Role: transcript.RoleUser, Content: "deploy it", Name: "ada_lovelace"}
	if len(msgs) != 1 || msgs[0] != want {
		t.Fatalf("unexpected transcript %+v", msgs)
	}
}

func TestHandle_DuplicateDeliveryIsIgnored(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.gw.Handle(callback(mention())); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	h.clock.Advance(10 * time.Second)
	d, err := h.gw.Handle(callback(mention()))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if d.Outcome != OutcomeIgnored || d.Reason != ReasonDuplicate {
		t.Fatalf("unexpected decision %+v", d)
	}
	if h.fwd.calls() != 1 || h.resp.calls() != 1 {
		t.Fatalf("retry must not cause more work, got %d/%d", h.fwd.calls(), h.resp.calls())
	}
	if n := len(h.transcript(t, "C1:1700000000.000100")); n != 1 {
		t.Fatalf("expected one transcript line, got %d", n)
	}
}

// Identity is type and ts only, so two channels posting in the same
// microsecond collide. Kept deliberately; this pins the behaviour.
func TestHandle_IdentityIgnoresChannel(t *testing.T) {
	h := newHarness(t, nil)

	first := mention()
	second := mention()
	second.Channel = "C2"

	if _, err := h.gw.Handle(callback(first)); err != nil {
		t.Fatal(err)
	}
	d, err := h.gw.Handle(callback(second))
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason != ReasonDuplicate {
		t.Fatalf("expected collision to be treated as duplicate, got %+v", d)
	}
}

func TestHandle_StaleEvent(t *testing.T) {
	h := newHarness(t, nil)
	h.clock.Set(eventTime.Add(61 * time.Second))

	d, err := h.gw.Handle(callback(mention()))
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != OutcomeIgnored || d.Reason != ReasonStale {
		t.Fatalf("unexpected decision %+v", d)
	}
	if h.cache.Len() != 0 {
		t.Fatal("stale events are dropped before dedup")
	}
	if h.fwd.calls() != 0 {
		t.Fatal("stale events must not be forwarded")
	}
}

func TestHandle_AtStaleThresholdIsAccepted(t *testing.T) {
	h := newHarness(t, nil)
	ev := mention()
	ev.TS = "1700000000"
	h.clock.Set(eventTime.Add(StaleThreshold))

	d, err := h.gw.Handle(callback(ev))
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != OutcomeAccepted {
		t.Fatalf("expected accept at exactly the threshold, got %+v", d)
	}
}

func TestHandle_BotMessages(t *testing.T) {
	h := newHarness(t, nil)

	bySubtype := models.Event{Type: models.EventMessage, Subtype: models.SubtypeBotMessage, TS: "1700000000.1", Channel: "D1", ChannelType: models.ChannelKindDirect}
	byBotID := models.Event{Type: models.EventMessage, BotID: "B1", TS: "1700000000.2", Channel: "D1", ChannelType: models.ChannelKindDirect}

	for _, ev := range []models.Event{bySubtype, byBotID} {
		d, err := h.gw.Handle(callback(ev))
		if err != nil {
			t.Fatal(err)
		}
		if d.Reason != ReasonBotOrigin {
			t.Fatalf("unexpected decision %+v", d)
		}
	}
	if h.cache.Len() != 2 {
		t.Fatalf("bot events are still recorded for dedup, cache has %d", h.cache.Len())
	}
	if len(h.transcript(t, "D1:1700000000.1")) != 0 {
		t.Fatal("bot messages must not reach the transcript")
	}
}

func TestHandle_EventsWithoutAuthorAreIgnored(t *testing.T) {
	h := newHarness(t, nil)

	edited := models.Event{Type: models.EventMessage, Subtype: "message_changed", TS: "1700000000.1", Channel: "D1", ChannelType: models.ChannelKindDirect}
	deleted := models.Event{Type: models.EventMessage, Subtype: "message_deleted", TS: "1700000000.2", Channel: "D1", ChannelType: models.ChannelKindDirect}
	joined := models.Event{Type: models.EventMessage, Subtype: "channel_join", TS: "1700000000.3", Channel: "C1", ChannelType: models.ChannelKindPublic, User: "U1"}

	for _, ev := range []models.Event{edited, deleted, joined} {
		d, err := h.gw.Handle(callback(ev))
		if err != nil {
			t.Fatal(err)
		}
		if d.Outcome != OutcomeIgnored || d.Reason != ReasonNoAuthor {
			t.Fatalf("unexpected decision for %s: %+v", ev.Subtype, d)
		}
	}
	if h.fwd.calls() != 0 || h.resp.calls() != 0 || h.lookups != 0 {
		t.Fatal("events without an author get no background work")
	}
	if len(h.transcript(t, "D1:1700000000.1")) != 0 {
		t.Fatal("edits must not reach the transcript")
	}
}

func TestHandle_UserSubtypesGetReplies(t *testing.T) {
	for _, subtype := range []string{models.SubtypeThreadBroadcast, models.SubtypeFileShare} {
		t.Run(subtype, func(t *testing.T) {
			h := newHarness(t, nil)
			ev := models.Event{Type: models.EventMessage, Subtype: subtype, TS: "1700000000.5", Channel: "D1", ChannelType: models.ChannelKindDirect, User: "U1", Text: "see attached"}

			d, err := h.gw.Handle(callback(ev))
			if err != nil {
				t.Fatal(err)
			}
			if d.Outcome != OutcomeAccepted || h.fwd.calls() != 1 || h.resp.calls() != 1 {
				t.Fatalf("expected a reply, decision %+v", d)
			}
		})
	}
}

func TestHandle_MessageMentioningBotIsSkipped(t *testing.T) {
	h := newHarness(t, nil)
	ev := mention()
	ev.Type = models.EventMessage
	ev.ChannelType = models.ChannelKindPublic

	d, err := h.gw.Handle(callback(ev))
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason != ReasonMentionCollision {
		t.Fatalf("unexpected decision %+v", d)
	}
	if len(h.transcript(t, ev.ConversationID())) != 0 {
		t.Fatal("the app_mention twin records the transcript, not the message")
	}
}

func TestHandle_PublicMessageIsContextOnly(t *testing.T) {
	h := newHarness(t, nil)
	ev := models.Event{
		Type:        models.EventMessage,
		TS:          "1700000001.000200",
		ThreadTS:    "1699999990.000100",
		Channel:     "C1",
		ChannelType: models.ChannelKindPublic,
		User:        "U1",
		Text:        "the build is green",
	}

	d, err := h.gw.Handle(callback(ev))
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != OutcomeAccepted || d.Respond {
		t.Fatalf("unexpected decision %+v", d)
	}
	if h.fwd.calls() != 0 || h.resp.calls() != 0 {
		t.Fatal("channel chatter must not be forwarded")
	}
	msgs := h.transcript(t, "C1:1699999990.000100")
	if len(msgs) != 1 || msgs[0].Content != "the build is green" {
		t.Fatalf("unexpected transcript %+v", msgs)
	}
}

func TestHandle_DirectMessagesGetReplies(t *testing.T) {
	for _, kind := range []string{models.ChannelKindDirect, models.ChannelKindGroupDM} {
		t.Run(kind, func(t *testing.T) {
			h := newHarness(t, nil)
			ev := models.Event{Type: models.EventMessage, TS: "1700000000.5", Channel: "D1", ChannelType: kind, User: "U1", Text: "hi"}

			d, err := h.gw.Handle(callback(ev))
			if err != nil {
				t.Fatal(err)
			}
			if !d.Respond || h.fwd.calls() != 1 || h.resp.calls() != 1 {
				t.Fatalf("expected a reply, decision %+v", d)
			}
		})
	}
}

func TestHandle_PrivateChannelMessageIsContextOnly(t *testing.T) {
	h := newHarness(t, nil)
	ev := models.Event{Type: models.EventMessage, TS: "1700000000.5", Channel: "G1", ChannelType: models.ChannelKindPrivate, User: "U1", Text: "hi"}

	d, err := h.gw.Handle(callback(ev))
	if err != nil {
		t.Fatal(err)
	}
	if d.Respond || h.fwd.calls() != 0 {
		t.Fatalf("private channel messages are context only, decision %+v", d)
	}
}

func TestHandle_UnsupportedEventType(t *testing.T) {
	h := newHarness(t, nil)
	ev := models.Event{Type: "reaction_added", TS: "1700000000.5", Channel: "C1", User: "U1"}

	d, err := h.gw.Handle(callback(ev))
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != OutcomeIgnored || d.Reason != ReasonUnsupportedEvent {
		t.Fatalf("unexpected decision %+v", d)
	}
	if h.lookups != 0 {
		t.Fatal("unsupported events get no background work")
	}
}

func TestProcess_BackendUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.fwd.err = fmt.Errorf("%w: connection refused", forwarder.ErrBackendUnavailable)

	d, err := h.gw.Handle(callback(mention()))
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != OutcomeAccepted {
		t.Fatalf("acknowledgement does not depend on the backend, got %+v", d)
	}
	if h.resp.calls() != 0 {
		t.Fatal("nothing is posted when the backend fails")
	}
	if n := len(h.transcript(t, "C1:1700000000.000100")); n != 1 {
		t.Fatalf("the user message stays recorded, got %d lines", n)
	}
	if len(h.dead.records) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(h.dead.records))
	}
	rec := h.dead.records[0]
	if rec.Kind != deadletter.KindBackendUnavailable || rec.EventID != d.EventID || rec.ConversationID != "C1:1700000000.000100" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.OccurredAt.Equal(h.clock.Now()) {
		t.Fatalf("record time %v should come from the clock", rec.OccurredAt)
	}
}

func TestProcess_DeadLetterSinkFailureLogsFullRecord(t *testing.T) {
	h := newHarness(t, nil)
	h.resp.err = errors.New("channel_not_found")

	var buf bytes.Buffer
	deps := h.deps
	deps.DeadLetters = failingSink{}
	deps.Logger = logging.New(&buf, "json", slog.LevelDebug)
	h.gw = New(deps)

	if _, err := h.gw.Handle(callback(mention())); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "amqp: channel closed") {
		t.Fatalf("sink failure should be logged, got %s", out)
	}
	if !strings.Contains(out, `"reply_text":"on it"`) || !strings.Contains(out, `"kind":"delivery_failed"`) {
		t.Fatalf("the reply text must survive in the log, got %s", out)
	}
}

func TestProcess_DeliveryFailedKeepsReplyText(t *testing.T) {
	h := newHarness(t, nil)
	h.resp.err = errors.New("channel_not_found")

	if _, err := h.gw.Handle(callback(mention())); err != nil {
		t.Fatal(err)
	}
	if h.resp.calls() != 1 {
		t.Fatalf("exactly one delivery attempt, got %d", h.resp.calls())
	}
	if len(h.dead.records) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(h.dead.records))
	}
	rec := h.dead.records[0]
	if rec.Kind != deadletter.KindDeliveryFailed || rec.ReplyText != "on it" || rec.Channel != "C1" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestProcess_TranscriptFailureAbortsReply(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.transcripts = failingStore{}

	d, err := h.gw.Handle(callback(mention()))
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != OutcomeAccepted {
		t.Fatalf("unexpected decision %+v", d)
	}
	if h.fwd.calls() != 0 || h.resp.calls() != 0 {
		t.Fatal("a failed transcript write ends the background phase")
	}
}

func TestProcess_UnresolvableUserFallsBackToID(t *testing.T) {
	h := newHarness(t, nil)
	ev := mention()
	ev.User = "UGHOST"

	if _, err := h.gw.Handle(callback(ev)); err != nil {
		t.Fatal(err)
	}
	msgs := h.transcript(t, ev.ConversationID())
	if len(msgs) != 1 || msgs[0].Name != "UGHOST" {
		t.Fatalf("expected raw user id as author, got %+v", msgs)
	}
	if h.fwd.calls() != 1 {
		t.Fatal("lookup failure must not block the reply")
	}
}

func TestHandle_ConcurrentRetriesForwardOnce(t *testing.T) {
	pool := dispatch.NewPool(logging.Discard(), dispatch.WithWorkers(4))
	h := newHarness(t, pool)

	var wg sync.WaitGroup
	accepted := make(chan Decision, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := h.gw.Handle(callback(mention()))
			if err == nil && d.Outcome == OutcomeAccepted {
				accepted <- d
			}
		}()
	}
	wg.Wait()
	close(accepted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Close(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(accepted) != 1 {
		t.Fatalf("expected exactly one accepted delivery, got %d", len(accepted))
	}
	if h.fwd.calls() != 1 || h.resp.calls() != 1 {
		t.Fatalf("expected one forward and one post, got %d/%d", h.fwd.calls(), h.resp.calls())
	}
}

func TestHandle_ClosedExecutorStillAcknowledges(t *testing.T) {
	pool := dispatch.NewPool(logging.Discard())
	if err := pool.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, pool)

	d, err := h.gw.Handle(callback(mention()))
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != OutcomeAccepted {
		t.Fatalf("unexpected decision %+v", d)
	}
	if h.fwd.calls() != 0 {
		t.Fatal("no work runs once the pool is closed")
	}
}

func TestShouldRespond(t *testing.T) {
	cases := []struct {
		ev   models.Event
		want bool
	}{
		{models.Event{Type: models.EventAppMention, ChannelType: models.ChannelKindPublic}, true},
		{models.Event{Type: models.EventAppMention}, true},
		{models.Event{Type: models.EventMessage, ChannelType: models.ChannelKindDirect}, true},
		{models.Event{Type: models.EventMessage, ChannelType: models.ChannelKindGroupDM}, true},
		{models.Event{Type: models.EventMessage, ChannelType: models.ChannelKindPublic}, false},
		{models.Event{Type: models.EventMessage, ChannelType: models.ChannelKindPrivate}, false},
		{models.Event{Type: models.EventMessage}, false},
		{models.Event{Type: "reaction_added", ChannelType: models.ChannelKindDirect}, false},
	}
	for _, tc := range cases {
		if got := ShouldRespond(&tc.ev); got != tc.want {
			t.Errorf("ShouldRespond(%s/%s) = %v, want %v", tc.ev.Type, tc.ev.ChannelType, got, tc.want)
		}
	}
}

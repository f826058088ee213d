package realtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/telehealth/telehealth/internal/domain/access"
	"github.com/telehealth/telehealth/internal/domain/chat"
	"github.com/telehealth/telehealth/internal/domain/interview"
)

func TestOpen_ReplaysBacklogAsOneHistoryEnvelope(t *testing.T) {
	f := newFixture()
	c, doc, pat := f.seedChat()
	ctx := context.Background()

	// the doctor writes while the patient is offline
	for i := 1; i <= 3; i++ {
		if _, err := f.router.SendMessage(ctx, doc.principal, chat.SendInput{ChatID: c.ID, Content: fmt.Sprintf("note %d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	sock := newRecordingSocket()
	f.router.Open(ctx, sock, f.bind(t, KindChat, c.ID, pat))

	if got := sock.types(); !reflect.DeepEqual(got, []string{TypeSystem, TypeHistory}) {
		t.Fatalf("expected system then one history envelope, got %v", got)
	}
	sock.next(t, nil)
	var hist HistoryEnvelope
	sock.next(t, &hist)
	if len(hist.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(hist.Messages))
	}
	for i, m := range hist.Messages {
		if want := fmt.Sprintf("note %d", i+1); m.Content != want {
			t.Errorf("history[%d]: expected %q, got %q", i, want, m.Content)
		}
	}
}

func TestOpen_EmptyLogSkipsHistory(t *testing.T) {
	f := newFixture()
	c, _, pat := f.seedChat()
	sock := newRecordingSocket()
	f.router.Open(context.Background(), sock, f.bind(t, KindChat, c.ID, pat))
	if got := sock.types(); !reflect.DeepEqual(got, []string{TypeSystem}) {
		t.Errorf("expected only the system envelope, got %v", got)
	}
}

func TestOpen_HistoryWindow(t *testing.T) {
	f := newFixture()
	f.router.window = 2
	c, doc, pat := f.seedChat()
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		f.router.SendMessage(ctx, doc.principal, chat.SendInput{ChatID: c.ID, Content: fmt.Sprintf("m%d", i)})
	}
	sock := newRecordingSocket()
	f.router.Open(ctx, sock, f.bind(t, KindChat, c.ID, pat))
	sock.next(t, nil)
	var hist HistoryEnvelope
	sock.next(t, &hist)
	if len(hist.Messages) != 2 || hist.Messages[0].Content != "m3" || hist.Messages[1].Content != "m4" {
		t.Errorf("expected the latest two oldest first, got %+v", hist.Messages)
	}
}

func TestSendMessage_BroadcastsToEveryClient(t *testing.T) {
	f := newFixture()
	c, doc, pat := f.seedChat()
	ctx := context.Background()

	docSock, patSock := newRecordingSocket(), newRecordingSocket()
	f.router.Open(ctx, docSock, f.bind(t, KindChat, c.ID, doc))
	f.router.Open(ctx, patSock, f.bind(t, KindChat, c.ID, pat))
	docSock.next(t, nil)
	patSock.next(t, nil)

	m, err := f.router.SendMessage(ctx, pat.principal, chat.SendInput{ChatID: c.ID, Content: "my throat hurts"})
	if err != nil {
		t.Fatal(err)
	}
	for name, s := range map[string]*recordingSocket{"doctor": docSock, "patient": patSock} {
		var env MessageEnvelope
		if typ := s.next(t, &env); typ != TypeMessage {
			t.Fatalf("%s: expected message envelope, got %s", name, typ)
		}
		if env.Message.ID != m.ID || env.Message.SenderID != c.PatientID || env.Message.ReceiverID != c.DoctorID {
			t.Errorf("%s: unexpected message %+v", name, env.Message)
		}
	}

	stored, _ := chatRepo{f.store}.GetByID(ctx, c.ID)
	if !stored.ActiveForDoctor || stored.ActiveForPatient {
		t.Errorf("expected doctor side active and patient side quiescent, got %+v", stored)
	}
}

func TestSendMessage_RejectedSendIsNotBroadcast(t *testing.T) {
	f := newFixture()
	c, _, pat := f.seedChat()
	ctx := context.Background()
	sock := newRecordingSocket()
	f.router.Open(ctx, sock, f.bind(t, KindChat, c.ID, pat))

	stranger := doctorParty(uuid.New())
	if _, err := f.router.SendMessage(ctx, stranger.principal, chat.SendInput{ChatID: c.ID, Content: "hi"}); !errors.Is(err, access.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if got := sock.types(); len(got) != 1 {
		t.Errorf("expected no broadcast, got %v", got)
	}
}

func TestMarkRead_AllOrNothing(t *testing.T) {
	f := newFixture()
	c, doc, pat := f.seedChat()
	ctx := context.Background()

	toPatient, _ := f.router.SendMessage(ctx, doc.principal, chat.SendInput{ChatID: c.ID, Content: "take rest"})
	toDoctor, _ := f.router.SendMessage(ctx, pat.principal, chat.SendInput{ChatID: c.ID, Content: "thanks"})

	tests := []struct {
		name string
		ids  []uuid.UUID
		want error
	}{
		{"one not addressed to caller", []uuid.UUID{toPatient.ID, toDoctor.ID}, access.ErrForbidden},
		{"one missing", []uuid.UUID{toPatient.ID, uuid.New()}, chat.ErrMessageNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.router.MarkRead(ctx, pat.principal, tt.ids, true)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if f.messages.read(toPatient.ID) {
				t.Error("expected no message updated after a rejected batch")
			}
		})
	}

	n, err := f.router.MarkRead(ctx, pat.principal, []uuid.UUID{toPatient.ID, toPatient.ID}, true)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 update, got %d (%v)", n, err)
	}
	if !f.messages.read(toPatient.ID) {
		t.Error("expected message marked read")
	}
}

func TestSubmitTurn_Envelopes(t *testing.T) {
	f := newFixture()
	c, _, pat := f.seedChat()
	sess := f.seedSession(c)
	ctx := context.Background()

	sock := newRecordingSocket()
	clientID := f.router.Open(ctx, sock, f.bind(t, KindInterview, sess.ID, pat))
	sock.next(t, nil)

	for i := 1; i <= 5; i++ {
		out, err := f.router.SubmitTurn(ctx, pat.principal, sess.ID, "answer", clientID)
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if typ := sock.next(t, nil); typ != TypeStatus {
			t.Fatalf("turn %d: expected status first, got %s", i, typ)
		}
		var resp interview.AIResponse
		if typ := sock.next(t, &resp); typ != TypeAIResponse {
			t.Fatalf("turn %d: expected ai_response, got %s", i, typ)
		}
		if resp.MessageID != out.Turn.ID || resp.QuestionCount != i {
			t.Errorf("turn %d: unexpected response %+v", i, resp)
		}
		if i == 5 {
			if !resp.Content.IsSummary {
				t.Error("expected the fifth reply to be a summary")
			}
			if typ := sock.next(t, nil); typ != TypeSummary {
				t.Errorf("expected summary notice, got %s", typ)
			}
		}
	}
}

func TestSubmitTurn_OnlyRequesterReceives(t *testing.T) {
	f := newFixture()
	c, doc, pat := f.seedChat()
	sess := f.seedSession(c)
	ctx := context.Background()

	patSock, docSock := newRecordingSocket(), newRecordingSocket()
	clientID := f.router.Open(ctx, patSock, f.bind(t, KindInterview, sess.ID, pat))
	f.router.Open(ctx, docSock, f.bind(t, KindInterview, sess.ID, doc))

	if _, err := f.router.SubmitTurn(ctx, pat.principal, sess.ID, "fever", clientID); err != nil {
		t.Fatal(err)
	}
	if got := docSock.types(); len(got) != 1 {
		t.Errorf("expected the other client to see only its greeting, got %v", got)
	}
}

func TestSubmitTurn_GenerationFailureSendsError(t *testing.T) {
	f := newFixture()
	f.gen.fail = errors.New("model offline")
	c, _, pat := f.seedChat()
	sess := f.seedSession(c)
	ctx := context.Background()

	sock := newRecordingSocket()
	clientID := f.router.Open(ctx, sock, f.bind(t, KindInterview, sess.ID, pat))
	sock.next(t, nil)

	_, err := f.router.SubmitTurn(ctx, pat.principal, sess.ID, "fever", clientID)
	if !errors.Is(err, interview.ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
	sock.next(t, nil)
	var env TextEnvelope
	if typ := sock.next(t, &env); typ != TypeError || env.Content != retryNotice {
		t.Errorf("expected retry notice, got %s %q", typ, env.Content)
	}
}

func TestSubmitTurn_SurvivesCanceledContext(t *testing.T) {
	f := newFixture()
	c, _, pat := f.seedChat()
	sess := f.seedSession(c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := f.router.SubmitTurn(ctx, pat.principal, sess.ID, "fever", "")
	if err != nil {
		t.Fatalf("expected generation to ignore cancellation, got %v", err)
	}
	if !out.Turn.Closed() {
		t.Error("expected the turn to be closed")
	}
}

func TestSubmitTurn_UnicastAfterDisconnectIsDropped(t *testing.T) {
	f := newFixture()
	c, _, pat := f.seedChat()
	sess := f.seedSession(c)
	ctx := context.Background()

	sock := newRecordingSocket()
	clientID := f.router.Open(ctx, sock, f.bind(t, KindInterview, sess.ID, pat))
	f.router.Disconnect(clientID)

	if _, err := f.router.SubmitTurn(ctx, pat.principal, sess.ID, "fever", clientID); err != nil {
		t.Fatalf("expected the turn to complete, got %v", err)
	}
	if got := sock.types(); len(got) != 1 {
		t.Errorf("expected nothing after disconnect, got %v", got)
	}
	if f.registry.Len() != 0 {
		t.Errorf("expected empty registry, got %d", f.registry.Len())
	}
	turns, _ := turnRepo{f.store}.ListBySession(ctx, sess.ID)
	if len(turns) != 1 || !turns[0].Closed() {
		t.Errorf("expected the reply kept for polling, got %d turns", len(turns))
	}
}

func TestRelationRemovedAfterConnect(t *testing.T) {
	f := newFixture()
	c, doc, pat := f.seedChat()
	sess := f.seedSession(c)
	ctx := context.Background()

	// pat.principal was resolved while the Self edge existed
	sock := newRecordingSocket()
	clientID := f.router.Open(ctx, sock, f.bind(t, KindInterview, sess.ID, pat))
	sock.next(t, nil)
	toPatient, _ := f.router.SendMessage(ctx, doc.principal, chat.SendInput{ChatID: c.ID, Content: "how are you?"})
	f.revoke(t, pat)

	if _, err := f.router.SendMessage(ctx, pat.principal, chat.SendInput{ChatID: c.ID, Content: "fine"}); !errors.Is(err, access.ErrForbidden) {
		t.Errorf("send: expected ErrForbidden, got %v", err)
	}
	if _, err := f.router.MarkRead(ctx, pat.principal, []uuid.UUID{toPatient.ID}, true); !errors.Is(err, access.ErrForbidden) {
		t.Errorf("mark read: expected ErrForbidden, got %v", err)
	}
	if f.messages.read(toPatient.ID) {
		t.Error("expected read flag unchanged")
	}

	if _, err := f.router.SubmitTurn(ctx, pat.principal, sess.ID, "fever", clientID); !errors.Is(err, access.ErrForbidden) {
		t.Errorf("turn: expected ErrForbidden, got %v", err)
	}
	if typ := sock.next(t, nil); typ != TypeError {
		t.Errorf("expected error envelope, got %s", typ)
	}
	if turns, _ := (turnRepo{f.store}).ListBySession(ctx, sess.ID); len(turns) != 0 {
		t.Errorf("expected no turn persisted, got %d", len(turns))
	}

	// the doctor is unaffected
	if _, err := f.router.SendMessage(ctx, doc.principal, chat.SendInput{ChatID: c.ID, Content: "still here"}); err != nil {
		t.Errorf("doctor send: %v", err)
	}
}

func TestSubmitTurn_RejectedAfterDrain(t *testing.T) {
	f := newFixture()
	c, _, pat := f.seedChat()
	sess := f.seedSession(c)
	ctx := context.Background()

	sock := newRecordingSocket()
	clientID := f.router.Open(ctx, sock, f.bind(t, KindInterview, sess.ID, pat))
	sock.next(t, nil)
	if err := f.router.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := f.router.SubmitTurn(ctx, pat.principal, sess.ID, "fever", clientID); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	var env TextEnvelope
	if typ := sock.next(t, &env); typ != TypeError || env.Content != ErrShuttingDown.Error() {
		t.Errorf("expected shutting down notice, got %s %q", typ, env.Content)
	}
	if turns, _ := (turnRepo{f.store}).ListBySession(ctx, sess.ID); len(turns) != 0 {
		t.Errorf("expected no turn after drain, got %d", len(turns))
	}
}

func TestStatsAndDrain(t *testing.T) {
	f := newFixture()
	c, _, pat := f.seedChat()
	f.router.Open(context.Background(), newRecordingSocket(), f.bind(t, KindChat, c.ID, pat))

	st := f.router.Stats()
	if st.Conversations != 1 || st.Clients != 1 || st.Inflight != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
	if err := f.router.Drain(context.Background()); err != nil {
		t.Errorf("expected immediate drain, got %v", err)
	}
}

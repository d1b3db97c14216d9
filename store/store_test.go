package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/go-smtpd"
	"github.com/relaykit/go-smtpd/filter"
)

func process(t *testing.T, m *Message) smtp.ProcessResult {
	t.Helper()
	results := make(chan smtp.ProcessResult, 1)
	m.Process("alice", "192.0.2.1", "", func(r smtp.ProcessResult) { results <- r })
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for processing")
	}
	return smtp.ProcessResult{}
}

func fill(t *testing.T, m *Message, body string) {
	t.Helper()
	require.NoError(t, m.SetFrom("alice@example.com", smtp.FromInfo{Body: smtp.Body8BitMIME}))
	require.NoError(t, m.AddTo(smtp.ToInfo{Requested: "Bob@example.org", Address: "bob@example.org"}))
	m.AddReceived("Received: from client ([192.0.2.1]) by mx.example.com with ESMTP")
	assert.Equal(t, smtp.ContentOK, m.AddContent([]byte(body)))
}

func TestStoreCommit(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := New(Config{})
	s.Now = func() time.Time { return now }

	m := s.NewMessage()
	fill(t, m, "Subject: hi\r\n\r\nhello\r\n")
	r := process(t, m)
	require.True(t, r.OK)
	require.NotEmpty(t, r.ID)

	stored, err := s.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", stored.From)
	assert.Equal(t, []string{"bob@example.org"}, stored.To)
	assert.Equal(t, "alice", stored.AuthID)
	assert.Equal(t, "192.0.2.1", stored.Peer)
	assert.Equal(t, "8BITMIME", stored.BodyType)
	assert.Equal(t, int64(len("Subject: hi\r\n\r\nhello\r\n")), stored.Size)
	assert.True(t, stored.Received.Equal(now))
	assert.Equal(t, "Received: from client ([192.0.2.1]) by mx.example.com with ESMTP\r\nSubject: hi\r\n\r\nhello\r\n", string(stored.Content))
	assert.Equal(t, 1, s.Len())
}

func TestStoreSnapshotSurvivesClear(t *testing.T) {
	s := New(Config{})
	m := s.NewMessage()
	fill(t, m, "first\r\n")
	r := process(t, m)
	require.True(t, r.OK)

	m.Clear()
	fill(t, m, "second\r\n")
	r2 := process(t, m)
	require.True(t, r2.OK)

	first, err := s.Get(r.ID)
	require.NoError(t, err)
	assert.Contains(t, string(first.Content), "first\r\n")
	assert.NotContains(t, string(first.Content), "second")
}

func TestStoreTooBig(t *testing.T) {
	s := New(Config{MaxSize: 10})
	m := s.NewMessage()

	assert.Error(t, m.SetFrom("alice@example.com", smtp.FromInfo{Size: 11}))
	require.NoError(t, m.SetFrom("alice@example.com", smtp.FromInfo{Size: 10}))

	assert.Equal(t, smtp.ContentOK, m.AddContent([]byte("12345")))
	assert.Equal(t, smtp.ContentTooBig, m.AddContent([]byte("678901")))
	assert.Equal(t, smtp.ContentTooBig, m.AddContent([]byte("x")))

	m.Clear()
	assert.Equal(t, smtp.ContentOK, m.AddContent([]byte("1234567890")))
}

func TestStoreFilterVerdicts(t *testing.T) {
	for _, tc := range []struct {
		name   string
		filter filter.Filter
		ok     bool
		code   int
		stored int
	}{
		{"accept", filter.Exit(0), true, 0, 1},
		{"abandon", filter.Exit(100), true, 0, 0},
		{"reject", filter.Exit(1), false, 554, 0},
		{"chain", filter.Chain{filter.Exit(0), filter.Exit(2)}, false, 554, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := New(Config{Filter: tc.filter})
			m := s.NewMessage()
			fill(t, m, "hello\r\n")
			r := process(t, m)
			assert.Equal(t, tc.ok, r.OK)
			assert.Equal(t, tc.code, r.Code)
			assert.Equal(t, tc.stored, s.Len())
			if !tc.ok {
				assert.Equal(t, "rejected", r.Text)
			}
		})
	}
}

type blockingFilter struct {
	started chan struct{}
}

func (f *blockingFilter) ID() string { return "blocking" }

func (f *blockingFilter) Run(ctx context.Context, msg *filter.Message) filter.Outcome {
	close(f.started)
	<-ctx.Done()
	return filter.Outcome{Result: filter.ResultFail, Response: "error", Reason: "cancelled"}
}

func TestStoreClearCancelsFilter(t *testing.T) {
	f := &blockingFilter{started: make(chan struct{})}
	s := New(Config{Filter: f})
	m := s.NewMessage()
	fill(t, m, "hello\r\n")

	called := make(chan struct{}, 1)
	m.Process("", "192.0.2.1", "", func(smtp.ProcessResult) { called <- struct{}{} })
	<-f.started
	m.Clear()

	select {
	case <-called:
		t.Fatal("completion reported after Clear")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, s.Len())
}

func TestStoreFilterTimeout(t *testing.T) {
	f := &blockingFilter{started: make(chan struct{})}
	s := New(Config{Filter: f, FilterTimeout: 20 * time.Millisecond})
	m := s.NewMessage()
	fill(t, m, "hello\r\n")

	r := process(t, m)
	assert.False(t, r.OK)
	assert.Equal(t, 554, r.Code)
	assert.Equal(t, "cancelled", r.Reason)
}

func TestStoreRetention(t *testing.T) {
	s := New(Config{MaxMessages: 2})
	var ids []string
	for i := 0; i < 3; i++ {
		m := s.NewMessage()
		fill(t, m, "hello\r\n")
		r := process(t, m)
		require.True(t, r.OK)
		ids = append(ids, r.ID)
	}

	assert.Equal(t, 2, s.Len())
	_, err := s.Get(ids[0])
	assert.ErrorIs(t, err, ErrNotFound)

	envs := s.List()
	require.Len(t, envs, 2)
	assert.Equal(t, ids[2], envs[0].ID)
	assert.Equal(t, ids[1], envs[1].ID)

	require.NoError(t, s.Delete(ids[1]))
	assert.ErrorIs(t, s.Delete(ids[1]), ErrNotFound)
	assert.Equal(t, 1, s.Len())
}

func TestEnvelopeMsgp(t *testing.T) {
	in := Envelope{
		ID:       "01HZX5W6Q9G7B8M2N3P4R5S6T7",
		From:     "alice@example.com",
		To:       []string{"bob@example.org", "carol@example.org"},
		AuthID:   "alice",
		Peer:     "192.0.2.1",
		BodyType: "8BITMIME",
		SMTPUTF8: true,
		Size:     1234,
		Received: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	b, err := in.MarshalMsg(nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(b), in.Msgsize())

	var out Envelope
	rest, err := out.UnmarshalMsg(b)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.True(t, in.Received.Equal(out.Received))
	out.Received = in.Received
	assert.Equal(t, in, out)

	_, err = out.UnmarshalMsg(b[:len(b)/2])
	assert.Error(t, err)
}

package store

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/relaykit/go-smtpd"
	"github.com/relaykit/go-smtpd/filter"
)

// Message collects one connection's transactions into the store.
type Message struct {
	store *Store

	mu       sync.Mutex
	from     string
	info     smtp.FromInfo
	to       []string
	received [][]byte
	content  bytes.Buffer
	tooBig   bool
	cancel   context.CancelFunc
}

var _ smtp.ProtocolMessage = (*Message)(nil)

// NewMessage returns an empty message bound to s.
func (s *Store) NewMessage() *Message {
	return &Message{store: s}
}

// Clear empties the message and cancels any filter still running for it.
func (m *Message) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.from = ""
	m.info = smtp.FromInfo{}
	m.to = nil
	m.received = nil
	m.content.Reset()
	m.tooBig = false
}

func (m *Message) SetFrom(from string, info smtp.FromInfo) error {
	if max := m.store.cfg.MaxSize; max > 0 && info.Size > max {
		return errors.New("message exceeds fixed maximum message size")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.from = from
	m.info = info
	return nil
}

func (m *Message) AddTo(to smtp.ToInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.to = append(m.to, to.Address)
	return nil
}

func (m *Message) AddReceived(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, []byte(line+"\r\n"))
}

func (m *Message) AddContent(data []byte) smtp.ContentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tooBig {
		return smtp.ContentTooBig
	}
	if max := m.store.cfg.MaxSize; max > 0 && int64(m.content.Len()+len(data)) > max {
		m.tooBig = true
		m.content.Reset()
		return smtp.ContentTooBig
	}
	m.content.Write(data)
	return smtp.ContentOK
}

func (m *Message) From() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.from
}

func (m *Message) BodyType() smtp.BodyType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info.Body
}

// Process snapshots the message, filters it in the background and commits
// it unless the filter objects.
func (m *Message) Process(authID, peerAddress, certificate string, done func(smtp.ProcessResult)) {
	s := m.store

	m.mu.Lock()
	var content bytes.Buffer
	for _, line := range m.received {
		content.Write(line)
	}
	content.Write(m.content.Bytes())
	stored := &Stored{
		Envelope: Envelope{
			ID:       ulid.Make().String(),
			From:     m.from,
			To:       append([]string(nil), m.to...),
			AuthID:   authID,
			Peer:     peerAddress,
			BodyType: string(m.info.Body),
			SMTPUTF8: m.info.SMTPUTF8,
			Size:     int64(m.content.Len()),
			Received: s.now(),
		},
		Content: content.Bytes(),
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if s.cfg.FilterTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), s.cfg.FilterTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		defer cancel()
		out := s.cfg.Filter.Run(ctx, &filter.Message{
			ID:      stored.ID,
			From:    stored.From,
			To:      stored.To,
			AuthID:  authID,
			Peer:    peerAddress,
			Content: stored.Content,
		})
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		logger := s.log.WithField("id", stored.ID)
		switch out.Result {
		case filter.ResultOK:
			s.commit(stored)
			done(smtp.ProcessResult{OK: true, ID: stored.ID})
		case filter.ResultAbandon:
			logger.Info("message abandoned by filter")
			done(smtp.ProcessResult{OK: true, ID: stored.ID, Reason: "abandoned"})
		default:
			logger.Infof("message rejected by filter: %s", out.Reason)
			done(smtp.ProcessResult{Code: 554, Text: out.Response, Reason: out.Reason})
		}
	}()
}

// Package store keeps accepted messages in memory, after running them past
// the configured content filter.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaykit/go-smtpd/filter"
	"github.com/relaykit/go-smtpd/log"
)

var ErrNotFound = errors.New("store: message not found")

// Stored is a committed message.
type Stored struct {
	Envelope

	// Content including the Received lines.
	Content []byte
}

type Config struct {
	// Oldest messages are evicted beyond this count. Zero keeps everything.
	MaxMessages int

	// Largest accepted content in bytes. Zero means no limit.
	MaxSize int64

	// Filter run before a message is committed. Nil accepts everything.
	Filter        filter.Filter
	FilterTimeout time.Duration
}

// Store is safe for concurrent use by many connections.
type Store struct {
	cfg Config
	log *logrus.Entry

	mu       sync.RWMutex
	messages map[string]*Stored
	order    []string

	// Now stamps envelopes, time.Now if nil.
	Now func() time.Time
}

func New(cfg Config) *Store {
	if cfg.Filter == nil {
		cfg.Filter = filter.Exit(0)
	}
	return &Store{
		cfg:      cfg,
		log:      log.WithFields(logrus.Fields{"component": "store"}),
		messages: make(map[string]*Stored),
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) commit(msg *Stored) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[msg.ID] = msg
	s.order = append(s.order, msg.ID)
	for s.cfg.MaxMessages > 0 && len(s.order) > s.cfg.MaxMessages {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.messages, oldest)
		s.log.WithField("id", oldest).Debug("evicted message")
	}
	s.log.WithFields(logrus.Fields{"id": msg.ID, "size": msg.Size}).Info("stored message")
}

func (s *Store) Get(id string) (*Stored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg, nil
}

// List returns the envelopes of all stored messages, newest first.
func (s *Store) List() []Envelope {
	s.mu.RLock()
	envs := make([]Envelope, 0, len(s.order))
	for _, id := range s.order {
		envs = append(envs, s.messages[id].Envelope)
	}
	s.mu.RUnlock()

	// ULIDs sort by creation time.
	sort.Slice(envs, func(i, j int) bool { return envs[i].ID > envs[j].ID })
	return envs
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

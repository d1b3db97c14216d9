package backendutil

import (
	"github.com/relaykit/go-smtpd"
)

// TransformBackend is a backend that transforms messages.
type TransformBackend struct {
	Backend smtp.Backend

	TransformMail func(from string) (string, error)
	TransformRcpt func(to string) (string, error)
	TransformData func(data []byte) ([]byte, error)
}

func (be *TransformBackend) NewSession(state smtp.ConnectionState) (smtp.Session, error) {
	sess, err := be.Backend.NewSession(state)
	if err != nil {
		return sess, err
	}
	sess.Message = &TransformMessage{
		Message:       sess.Message,
		TransformMail: be.TransformMail,
		TransformRcpt: be.TransformRcpt,
		TransformData: be.TransformData,
	}
	return sess, nil
}

// TransformMessage rewrites the envelope and content on the way into
// another ProtocolMessage. A transform error rejects the command.
type TransformMessage struct {
	Message smtp.ProtocolMessage

	TransformMail func(from string) (string, error)
	TransformRcpt func(to string) (string, error)
	TransformData func(data []byte) ([]byte, error)
}

func (m *TransformMessage) Clear() {
	m.Message.Clear()
}

func (m *TransformMessage) SetFrom(from string, info smtp.FromInfo) error {
	if m.TransformMail != nil {
		var err error
		from, err = m.TransformMail(from)
		if err != nil {
			return err
		}
	}
	return m.Message.SetFrom(from, info)
}

func (m *TransformMessage) AddTo(to smtp.ToInfo) error {
	if m.TransformRcpt != nil {
		var err error
		to.Address, err = m.TransformRcpt(to.Address)
		if err != nil {
			return err
		}
	}
	return m.Message.AddTo(to)
}

func (m *TransformMessage) AddReceived(line string) {
	m.Message.AddReceived(line)
}

func (m *TransformMessage) AddContent(data []byte) smtp.ContentStatus {
	if m.TransformData != nil {
		var err error
		data, err = m.TransformData(data)
		if err != nil {
			return smtp.ContentError
		}
	}
	return m.Message.AddContent(data)
}

func (m *TransformMessage) From() string {
	return m.Message.From()
}

func (m *TransformMessage) BodyType() smtp.BodyType {
	return m.Message.BodyType()
}

func (m *TransformMessage) Process(authID, peerAddress, certificate string, done func(smtp.ProcessResult)) {
	m.Message.Process(authID, peerAddress, certificate, done)
}

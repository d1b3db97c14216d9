package smtp

// BDAT chunks (RFC 3030). The transport is told the chunk size so that
// exactly that many bytes arrive as BdatContent, whatever they contain.

func (p *Protocol) doBdatNoRecipients(eventInput) outcome {
	p.clear()
	p.sendNoRecipients()
	return proceed
}

func (p *Protocol) startBdatChunk(in eventInput) {
	if p.State() == StateGotRcpt {
		p.addReceived()
		p.contentErr = ContentOK
		p.bdatTotal = 0
	}
	p.bdatSize = in.size
	p.bdatGot = 0
}

func (p *Protocol) doBdat(in eventInput) outcome {
	p.startBdatChunk(in)
	if in.size == 0 {
		p.raise(EventBdatChunkDone, eventInput{})
	} else {
		p.sender.Expect(in.size)
	}
	return proceed
}

func (p *Protocol) doBdatLastZero(in eventInput) outcome {
	p.startBdatChunk(in)
	p.raise(EventBdatCheck, eventInput{})
	return proceed
}

func (p *Protocol) doBdatContent(in eventInput) outcome {
	content := in.content
	if over := int64(len(content)) - (p.bdatSize - p.bdatGot); over > 0 {
		p.log.Warnf("discarding %d bytes beyond the announced chunk size", over)
		content = content[:p.bdatSize-p.bdatGot]
	}
	if p.contentErr == ContentOK {
		if st := p.msg.AddContent(content); st != ContentOK {
			p.contentErr = st
		}
	}
	n := int64(len(content))
	p.bdatGot += n
	p.bdatTotal += n
	if p.bdatGot >= p.bdatSize {
		p.raise(EventBdatChunkDone, eventInput{})
	}
	return proceed
}

func (p *Protocol) doBdatChunkDone(eventInput) outcome {
	p.sendChunkReply(p.bdatGot)
	return proceed
}

func (p *Protocol) doBdatLastDone(eventInput) outcome {
	p.raise(EventBdatCheck, eventInput{})
	return proceed
}

func (p *Protocol) doBdatCheck(eventInput) outcome {
	p.log.Tracef("rx<<: [%d bytes of message content not logged]", p.bdatTotal)
	return p.submit()
}
